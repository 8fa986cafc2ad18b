package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// GatewayProvider is the port to the external payment gateway. The
// engine consumes exactly two capabilities and assumes nothing about
// the gateway's own consistency: every failure is retryable by the
// caller and the gateway is never transactional with local state.
type GatewayProvider interface {
	// CreateAgreement creates a recurring-charge agreement and returns
	// the authorization link the payer must visit.
	CreateAgreement(ctx context.Context, req AgreementRequest) (*Agreement, error)

	// SetAgreementStatus pauses or cancels an existing agreement and
	// returns the remote status reported by the gateway.
	SetAgreementStatus(ctx context.Context, agreementID string, status AgreementStatus) (string, error)
}

// AgreementStatus is the subset of remote statuses the engine requests.
type AgreementStatus string

const (
	AgreementPaused    AgreementStatus = "paused"
	AgreementCancelled AgreementStatus = "cancelled"
)

// AgreementRequest carries everything the gateway needs to set up a
// recurring charge.
type AgreementRequest struct {
	Reason            string
	ExternalReference string
	PayerEmail        string
	Price             Money
	IntervalCount     int
	IntervalUnit      IntervalUnit
}

// Agreement is the gateway's recurring-charge authorization object.
type Agreement struct {
	ID               string
	AuthorizationURL string
	Status           string
}

// ExternalReference builds the reference string attached to gateway
// agreements so inbound events can be traced back to their origin.
func ExternalReference(userID, academyID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("sub_%s_%s_%d", userID, academyID, at.UnixMilli())
}

// Notification is the fire-and-forget payload emitted on every state
// transition. Delivery is an external concern; a failed notification
// never rolls back the transition that produced it.
type Notification struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	NewStatus      Status
	Reason         string
}

// Notifier delivers transition notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is the default Notifier: it records the transition in the
// service log and never fails.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, msg Notification) error {
	if n.Log != nil {
		n.Log.InfoContext(ctx, "subscription transition",
			slog.String("subscription_id", msg.SubscriptionID.String()),
			slog.String("user_id", msg.UserID.String()),
			slog.String("new_status", string(msg.NewStatus)),
			slog.String("reason", msg.Reason),
		)
	}
	return nil
}
