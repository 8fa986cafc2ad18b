package membership

import (
	"context"

	"github.com/google/uuid"
)

// SubscriptionStore persists subscription records. Update is a
// compare-and-swap: the write commits only if the stored version still
// equals the version the record was read with, and the implementation
// increments the version on success. A lost race returns
// ErrConcurrencyConflict.
type SubscriptionStore interface {
	Create(ctx context.Context, s *Subscription) error

	// Get returns ErrSubscriptionNotFound if no record matches.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// FindByAgreementID resolves the record holding the gateway
	// agreement. Returns ErrSubscriptionNotFound when nothing matches.
	FindByAgreementID(ctx context.Context, agreementID string) (*Subscription, error)

	// FindLive returns the non-terminal, non-paused subscription for a
	// (user, academy) pair, or ErrSubscriptionNotFound.
	FindLive(ctx context.Context, userID, academyID uuid.UUID) (*Subscription, error)

	Update(ctx context.Context, s *Subscription) error
}

// AttendanceStore persists attendance events. Insert enforces the
// (user, group, day) uniqueness invariant and fails duplicates with
// ErrDuplicateAttendance.
type AttendanceStore interface {
	Insert(ctx context.Context, a *Attendance) error
	Stats(ctx context.Context, subscriptionID uuid.UUID) (AttendanceStats, error)
}

// PaymentLedger is the append-only payment log. The gateway payment id
// uniqueness is what makes the ledger usable as an idempotency gate:
// Append fails a duplicate id with ErrDuplicatePayment.
type PaymentLedger interface {
	Exists(ctx context.Context, gatewayPaymentID string) (bool, error)
	Append(ctx context.Context, p *Payment) error
}
