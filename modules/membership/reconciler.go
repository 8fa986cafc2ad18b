package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// GatewayEvent is the inbound webhook notification shape. The gateway
// delivers events at-least-once with no ordering guarantee, so the
// reconciler must stay correct under duplication and reordering.
type GatewayEvent struct {
	Type   string           `json:"type"`
	Action string           `json:"action"`
	Data   GatewayEventData `json:"data"`
}

// GatewayEventData carries the agreement identifier plus the optional
// payment fields for payment.* actions.
type GatewayEventData struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	PaymentID    string `json:"payment_id"`
	StatusDetail string `json:"status_detail"`
}

// eventTypeAgreement is the only webhook type the reconciler consumes.
const eventTypeAgreement = "subscription_preapproval"

// Actions reported by the gateway on a recurring-charge agreement.
const (
	actionCreated        = "created"
	actionUpdated        = "updated"
	actionPaymentCreated = "payment.created"
	actionPaymentUpdated = "payment.updated"
)

// Remote payment statuses that map onto lifecycle edges.
const (
	remoteApproved   = "approved"
	remoteRejected   = "rejected"
	remoteAuthorized = "authorized"
	remotePaused     = "paused"
	remoteCancelled  = "cancelled"
)

// ReconcileOutcome classifies what a webhook delivery did.
type ReconcileOutcome string

const (
	// OutcomeApplied means a lifecycle transition was committed.
	OutcomeApplied ReconcileOutcome = "applied"
	// OutcomeMirrored means only the remote status mirror was updated.
	OutcomeMirrored ReconcileOutcome = "mirrored"
	// OutcomeIgnored means the event type or action is not understood.
	OutcomeIgnored ReconcileOutcome = "ignored"
	// OutcomeUnmatched means no local record holds the agreement id.
	OutcomeUnmatched ReconcileOutcome = "unmatched"
	// OutcomeDuplicate means the payment was already in the ledger.
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	// OutcomeStale means the mapped edge is illegal for the current
	// state. Out-of-order and late deliveries land here and are dropped.
	OutcomeStale ReconcileOutcome = "stale"
)

// ReconcileResult reports the outcome of one delivery.
type ReconcileResult struct {
	Outcome      ReconcileOutcome `json:"outcome"`
	Subscription *Subscription    `json:"subscription,omitempty"`
	Payment      *Payment         `json:"payment,omitempty"`
}

// Reconciler merges asynchronous gateway notifications into local
// state. Every path that is not a genuine transient failure returns a
// nil error so the gateway stops redelivering; only an exhausted
// optimistic-concurrency retry surfaces as an error.
type Reconciler struct {
	cfg      Config
	subs     SubscriptionStore
	ledger   PaymentLedger
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// ReconcilerOption configures optional Reconciler settings.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger supplies the reconciler logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithReconcilerNotifier supplies the transition notifier.
func WithReconcilerNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithReconcilerClock overrides the time source, mainly for tests.
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates the webhook reconciler. Panics on nil required
// dependencies to fail fast during initialization.
func NewReconciler(cfg Config, subs SubscriptionStore, ledger PaymentLedger, opts ...ReconcilerOption) *Reconciler {
	if subs == nil {
		panic("membership: SubscriptionStore is required")
	}
	if ledger == nil {
		panic("membership: PaymentLedger is required")
	}
	r := &Reconciler{
		cfg:    cfg,
		subs:   subs,
		ledger: ledger,
		log:    slog.New(slog.DiscardHandler),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = LogNotifier{Log: r.log}
	}
	return r
}

// HandleGatewayEvent processes one raw webhook delivery. Safe to call
// concurrently for the same or different payloads: the payment ledger
// dedups by gateway payment id and the version-guarded write serializes
// racing updates to a record.
func (r *Reconciler) HandleGatewayEvent(ctx context.Context, raw []byte) (*ReconcileResult, error) {
	var event GatewayEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		r.log.WarnContext(ctx, "unparseable gateway event, discarding", slog.Any("error", err))
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}

	if event.Type != eventTypeAgreement || event.Data.ID == "" {
		r.log.DebugContext(ctx, "ignoring gateway event",
			slog.String("type", event.Type),
			slog.String("action", event.Action))
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}

	sub, err := r.subs.FindByAgreementID(ctx, event.Data.ID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			// Stale, or an agreement owned by another system. Ack so
			// the gateway does not keep redelivering.
			r.log.InfoContext(ctx, "gateway event for unknown agreement, discarding",
				slog.String("agreement_id", event.Data.ID),
				slog.String("action", event.Action))
			return &ReconcileResult{Outcome: OutcomeUnmatched}, nil
		}
		return nil, err
	}

	switch event.Action {
	case actionCreated:
		return r.applyTransition(ctx, sub.ID, EventAgreementAuthorized, remoteAuthorized, "payment agreement authorized")
	case actionUpdated:
		return r.handleAgreementUpdate(ctx, sub.ID, event.Data)
	case actionPaymentCreated, actionPaymentUpdated:
		return r.handlePayment(ctx, sub, event.Data)
	default:
		r.log.DebugContext(ctx, "unhandled gateway action, discarding",
			slog.String("action", event.Action))
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
}

// handleAgreementUpdate maps a remote agreement status change onto a
// lifecycle edge, or just refreshes the status mirror when no edge
// applies.
func (r *Reconciler) handleAgreementUpdate(ctx context.Context, id uuid.UUID, data GatewayEventData) (*ReconcileResult, error) {
	switch data.Status {
	case remoteAuthorized:
		return r.applyTransition(ctx, id, EventAgreementAuthorized, data.Status, "payment agreement authorized")
	case remotePaused:
		return r.applyTransition(ctx, id, EventPauseRequested, data.Status, "agreement paused by gateway")
	case remoteCancelled:
		return r.applyTransition(ctx, id, EventCancelRequested, data.Status, "agreement cancelled by gateway")
	case "":
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	default:
		sub, err := r.mirrorRemoteStatus(ctx, id, data.Status)
		if err != nil {
			return nil, err
		}
		return &ReconcileResult{Outcome: OutcomeMirrored, Subscription: sub}, nil
	}
}

// handlePayment applies one payment notification: ledger dedup first,
// then the mapped transition, then exactly one ledger append.
func (r *Reconciler) handlePayment(ctx context.Context, sub *Subscription, data GatewayEventData) (*ReconcileResult, error) {
	if data.PaymentID == "" {
		return &ReconcileResult{Outcome: OutcomeIgnored}, nil
	}

	// Idempotency boundary: a payment id already in the ledger means
	// this delivery was fully processed before. No side effects.
	seen, err := r.ledger.Exists(ctx, data.PaymentID)
	if err != nil {
		return nil, err
	}
	if seen {
		return &ReconcileResult{Outcome: OutcomeDuplicate, Subscription: sub}, nil
	}

	var result *ReconcileResult
	switch data.Status {
	case remoteApproved:
		result, err = r.applyTransition(ctx, sub.ID, EventPaymentApproved, data.Status, "payment approved")
	case remoteRejected:
		result, err = r.applyTransition(ctx, sub.ID, EventPaymentRejected, data.Status, "payment rejected")
	default:
		// Pending and friends carry no edge; record the notification
		// and refresh the mirror.
		var updated *Subscription
		updated, err = r.mirrorRemoteStatus(ctx, sub.ID, data.Status)
		result = &ReconcileResult{Outcome: OutcomeMirrored, Subscription: updated}
	}
	if err != nil {
		return nil, err
	}
	if result.Outcome == OutcomeStale {
		// Out-of-order delivery for a record that moved on (for
		// example an approval for a cancelled subscription): discard
		// without a ledger entry so nothing was applied at all.
		return result, nil
	}

	payment := &Payment{
		ID:                 uuid.New(),
		GatewayPaymentID:   data.PaymentID,
		SubscriptionID:     sub.ID,
		Price:              sub.Billing.Price,
		RemoteStatus:       data.Status,
		RemoteStatusDetail: data.StatusDetail,
		ExternalReference:  fmt.Sprintf("sub_%s", sub.ID),
		ProcessedAt:        r.now(),
	}
	if err := r.ledger.Append(ctx, payment); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			// Lost an append race with an identical delivery; the
			// ledger still holds exactly one entry.
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		return nil, err
	}
	result.Payment = payment
	return result, nil
}

// applyTransition drives one lifecycle edge through the bounded
// read-map-write loop. An illegal edge is a stale event, not an error.
func (r *Reconciler) applyTransition(ctx context.Context, id uuid.UUID, ev Event, remoteStatus, reason string) (*ReconcileResult, error) {
	retries := r.cfg.ConflictRetries
	if retries < 1 {
		retries = 1
	}
	for range retries {
		cur, err := r.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := Apply(*cur, ev, r.now())
		if err != nil {
			if IsIllegalTransition(err) {
				r.log.InfoContext(ctx, "stale gateway event, discarding",
					slog.String("subscription_id", id.String()),
					slog.String("status", string(cur.Status)),
					slog.String("event", string(ev)))
				return &ReconcileResult{Outcome: OutcomeStale, Subscription: cur}, nil
			}
			return nil, err
		}
		next.Gateway.Status = remoteStatus
		if err := r.subs.Update(ctx, &next); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}
		r.notify(ctx, &next, reason)
		return &ReconcileResult{Outcome: OutcomeApplied, Subscription: &next}, nil
	}
	// Exhausted retries: surface as transient so the gateway redelivers.
	return nil, ErrConcurrencyConflict
}

// mirrorRemoteStatus refreshes gateway.status without a transition.
func (r *Reconciler) mirrorRemoteStatus(ctx context.Context, id uuid.UUID, remoteStatus string) (*Subscription, error) {
	retries := r.cfg.ConflictRetries
	if retries < 1 {
		retries = 1
	}
	for range retries {
		cur, err := r.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *cur
		next.Gateway.Status = remoteStatus
		next.UpdatedAt = r.now()
		if err := r.subs.Update(ctx, &next); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}
		return &next, nil
	}
	return nil, ErrConcurrencyConflict
}

func (r *Reconciler) notify(ctx context.Context, sub *Subscription, reason string) {
	err := r.notifier.Notify(ctx, Notification{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		NewStatus:      sub.Status,
		Reason:         reason,
	})
	if err != nil {
		r.log.WarnContext(ctx, "transition notification failed",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
	}
}
