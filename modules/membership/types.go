package membership

import "time"

// Status represents the lifecycle state of a membership subscription.
type Status string

const (
	StatusTrial        Status = "trial"
	StatusTrialExpired Status = "trial_expired"
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusPastDue      Status = "past_due"
	StatusPaused       Status = "paused"
	StatusCancelled    Status = "cancelled"
)

// Event represents a lifecycle trigger, either user-initiated or
// reported by the payment gateway.
type Event string

const (
	EventTrialExpired        Event = "trial.expired"
	EventActivationRequested Event = "activation.requested"
	EventAgreementAuthorized Event = "agreement.authorized"
	EventPaymentApproved     Event = "payment.approved"
	EventPaymentRejected     Event = "payment.rejected"
	EventPauseRequested      Event = "pause.requested"
	EventCancelRequested     Event = "cancel.requested"
)

// IntervalUnit represents the billing charge frequency unit.
type IntervalUnit string

const (
	IntervalDays   IntervalUnit = "days"
	IntervalMonths IntervalUnit = "months"
)

// Money represents a monetary amount in the smallest currency unit.
// For example, ARS 25,000.00 would be Amount: 2500000, Currency: "ARS".
type Money struct {
	Amount   int64  `json:"amount" bson:"amount"`
	Currency string `json:"currency" bson:"currency"`
}

// Config holds the membership engine policy knobs. The trial model is
// hybrid: whichever of the class or day limit is reached first expires
// the trial.
type Config struct {
	MaxFreeClasses      int           `env:"MEMBERSHIP_MAX_FREE_CLASSES" envDefault:"1"`
	MaxFreeDays         int           `env:"MEMBERSHIP_MAX_FREE_DAYS" envDefault:"7"`
	ChargeIntervalCount int           `env:"MEMBERSHIP_CHARGE_INTERVAL_COUNT" envDefault:"1"`
	ChargeIntervalUnit  IntervalUnit  `env:"MEMBERSHIP_CHARGE_INTERVAL_UNIT" envDefault:"months"`
	Currency            string        `env:"MEMBERSHIP_CURRENCY" envDefault:"ARS"`
	GatewayTimeout      time.Duration `env:"MEMBERSHIP_GATEWAY_TIMEOUT" envDefault:"5s"`
	ConflictRetries     int           `env:"MEMBERSHIP_CONFLICT_RETRIES" envDefault:"3"`
}

// TrialPolicy returns the trial expiration policy derived from the config.
func (c Config) TrialPolicy() TrialPolicy {
	return TrialPolicy{
		MaxFreeClasses: c.MaxFreeClasses,
		MaxFreeDays:    c.MaxFreeDays,
	}
}
