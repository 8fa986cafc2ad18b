package membership

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a membership record for one (user, academy[, group])
// pair. It is the only mutable shared resource in the engine; every
// mutation goes through a lifecycle transition and a version-guarded
// store write.
type Subscription struct {
	ID        uuid.UUID  `json:"id" bson:"_id"`
	UserID    uuid.UUID  `json:"user_id" bson:"user_id"`
	AcademyID uuid.UUID  `json:"academy_id" bson:"academy_id"`
	GroupID   *uuid.UUID `json:"group_id,omitempty" bson:"group_id,omitempty"`

	Status  Status           `json:"status" bson:"status"`
	Trial   Trial            `json:"trial" bson:"trial"`
	Billing Billing          `json:"billing" bson:"billing"`
	Gateway GatewayAgreement `json:"gateway" bson:"gateway"`

	ActivatedAt  *time.Time `json:"activated_at,omitempty" bson:"activated_at,omitempty"`
	PausedAt     *time.Time `json:"paused_at,omitempty" bson:"paused_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty" bson:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty" bson:"cancel_reason,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	// Version is a monotonic counter used for optimistic concurrency.
	// The store rejects a write whose version no longer matches.
	Version int64 `json:"version" bson:"version"`
}

// Trial tracks the free-usage period of a subscription. Consumed is
// monotonic: once true it never goes back to false.
type Trial struct {
	InTrial         bool      `json:"in_trial" bson:"in_trial"`
	StartedAt       time.Time `json:"started_at" bson:"started_at"`
	EndsAt          time.Time `json:"ends_at" bson:"ends_at"`
	ClassesAttended int       `json:"classes_attended" bson:"classes_attended"`
	Consumed        bool      `json:"consumed" bson:"consumed"`
}

// Billing holds the recurring charge terms and schedule.
type Billing struct {
	Price         Money        `json:"price" bson:"price"`
	IntervalCount int          `json:"interval_count" bson:"interval_count"`
	IntervalUnit  IntervalUnit `json:"interval_unit" bson:"interval_unit"`
	NextChargeAt  *time.Time   `json:"next_charge_at,omitempty" bson:"next_charge_at,omitempty"`
	LastChargeAt  *time.Time   `json:"last_charge_at,omitempty" bson:"last_charge_at,omitempty"`
}

// NextChargeAfter returns the charge date one billing interval after t.
// A non-positive interval count falls back to a single interval.
func (b Billing) NextChargeAfter(t time.Time) time.Time {
	count := b.IntervalCount
	if count <= 0 {
		count = 1
	}
	if b.IntervalUnit == IntervalDays {
		return t.AddDate(0, 0, count)
	}
	return t.AddDate(0, count, 0)
}

// GatewayAgreement mirrors the last known state of the external
// recurring-charge agreement. AgreementID is set at most once per record.
type GatewayAgreement struct {
	AgreementID      string `json:"agreement_id,omitempty" bson:"agreement_id,omitempty"`
	AuthorizationURL string `json:"authorization_url,omitempty" bson:"authorization_url,omitempty"`
	Status           string `json:"status,omitempty" bson:"status,omitempty"`
	PayerEmail       string `json:"payer_email,omitempty" bson:"payer_email,omitempty"`
}

// IsLive reports whether the subscription occupies the (user, academy)
// slot, i.e. blocks creating another subscription for the same pair.
func (s *Subscription) IsLive() bool {
	switch s.Status {
	case StatusTrial, StatusTrialExpired, StatusPending, StatusActive, StatusPastDue:
		return true
	}
	return false
}

// IsTerminal reports whether the subscription reached its terminal state.
func (s *Subscription) IsTerminal() bool {
	return s.Status == StatusCancelled
}

// CanAttend reports whether attendance may be registered against the
// subscription. Trial records always pass the gate; expiry is evaluated
// after the attendance is recorded.
func (s *Subscription) CanAttend() bool {
	return s.Status == StatusTrial || s.Status == StatusActive
}

// HasAgreement reports whether a gateway agreement is attached.
func (s *Subscription) HasAgreement() bool {
	return s.Gateway.AgreementID != ""
}

// AttachAgreement sets the gateway agreement exactly once. A second
// attach attempt fails with ErrAgreementAttached regardless of the id.
// The payer email recorded at creation time is preserved.
func (s *Subscription) AttachAgreement(a Agreement) error {
	if s.Gateway.AgreementID != "" {
		return ErrAgreementAttached
	}
	s.Gateway.AgreementID = a.ID
	s.Gateway.AuthorizationURL = a.AuthorizationURL
	s.Gateway.Status = a.Status
	return nil
}

// Attendance is one usage event. At most one exists per
// (user, group, calendar day).
type Attendance struct {
	ID             uuid.UUID `json:"id" bson:"_id"`
	SubscriptionID uuid.UUID `json:"subscription_id" bson:"subscription_id"`
	UserID         uuid.UUID `json:"user_id" bson:"user_id"`
	AcademyID      uuid.UUID `json:"academy_id" bson:"academy_id"`
	GroupID        uuid.UUID `json:"group_id" bson:"group_id"`
	Day            time.Time `json:"day" bson:"day"`
	CountedAsTrial bool      `json:"counted_as_trial" bson:"counted_as_trial"`
	RegisteredBy   uuid.UUID `json:"registered_by" bson:"registered_by"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// AttendanceDay normalizes a timestamp to the UTC calendar day used for
// the attendance uniqueness constraint.
func AttendanceDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Payment is an append-only ledger entry, one per distinct external
// payment notification. GatewayPaymentID is the dedup key.
type Payment struct {
	ID                 uuid.UUID `json:"id" bson:"_id"`
	GatewayPaymentID   string    `json:"gateway_payment_id" bson:"gateway_payment_id"`
	SubscriptionID     uuid.UUID `json:"subscription_id" bson:"subscription_id"`
	Price              Money     `json:"price" bson:"price"`
	RemoteStatus       string    `json:"remote_status" bson:"remote_status"`
	RemoteStatusDetail string    `json:"remote_status_detail,omitempty" bson:"remote_status_detail,omitempty"`
	ExternalReference  string    `json:"external_reference,omitempty" bson:"external_reference,omitempty"`
	ProcessedAt        time.Time `json:"processed_at" bson:"processed_at"`
}

// AttendanceStats summarizes the attendance ledger for one subscription.
type AttendanceStats struct {
	Total int64 `json:"total"`
	Trial int64 `json:"trial"`
	Paid  int64 `json:"paid"`
}
