package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service owns every user-initiated mutation of a subscription:
// creation, activation after the trial, pause and cancellation. All
// writes go through the lifecycle table and the version-guarded store.
type Service struct {
	cfg        Config
	subs       SubscriptionStore
	attendance AttendanceStore
	ledger     PaymentLedger
	gateway    GatewayProvider
	notifier   Notifier
	log        *slog.Logger
	now        func() time.Time
}

// ServiceOption configures optional Service settings.
type ServiceOption func(*Service)

// WithLogger supplies the service logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithNotifier supplies the transition notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the membership service. Panics on nil required
// dependencies to fail fast during initialization.
func NewService(cfg Config, subs SubscriptionStore, attendance AttendanceStore, ledger PaymentLedger, gateway GatewayProvider, opts ...ServiceOption) *Service {
	if subs == nil {
		panic("membership: SubscriptionStore is required")
	}
	if attendance == nil {
		panic("membership: AttendanceStore is required")
	}
	if ledger == nil {
		panic("membership: PaymentLedger is required")
	}
	if gateway == nil {
		panic("membership: GatewayProvider is required")
	}

	s := &Service{
		cfg:        cfg,
		subs:       subs,
		attendance: attendance,
		ledger:     ledger,
		gateway:    gateway,
		log:        slog.New(slog.DiscardHandler),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = LogNotifier{Log: s.log}
	}
	return s
}

// CreateSubscriptionInput carries the caller-supplied fields for a new
// subscription. TrialEligible is an external precondition: global
// versus per-academy trial accounting is decided before this call.
type CreateSubscriptionInput struct {
	UserID        uuid.UUID
	AcademyID     uuid.UUID
	GroupID       *uuid.UUID
	Price         Money
	PayerEmail    string
	TrialEligible bool
}

// CreateSubscriptionResult is returned from Create.
type CreateSubscriptionResult struct {
	Subscription       *Subscription `json:"subscription"`
	RequiresActivation bool          `json:"requires_activation"`
}

// Create registers a new subscription in trial, or in pending with a
// best-effort agreement when the caller is not trial-eligible. At most
// one live subscription may exist per (user, academy).
func (s *Service) Create(ctx context.Context, in CreateSubscriptionInput) (*CreateSubscriptionResult, error) {
	if in.UserID == uuid.Nil || in.AcademyID == uuid.Nil {
		return nil, fmt.Errorf("%w: user and academy are required", ErrInvalidInput)
	}
	if in.Price.Amount <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}

	if existing, err := s.subs.FindLive(ctx, in.UserID, in.AcademyID); err == nil && existing != nil {
		return nil, ErrAlreadySubscribed
	} else if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	now := s.now()
	currency := in.Price.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	policy := s.cfg.TrialPolicy()

	sub := &Subscription{
		ID:        uuid.New(),
		UserID:    in.UserID,
		AcademyID: in.AcademyID,
		GroupID:   in.GroupID,
		Status:    StatusTrial,
		Trial: Trial{
			InTrial:   true,
			StartedAt: now,
			EndsAt:    policy.EndsAt(now),
		},
		Billing: Billing{
			Price:         Money{Amount: in.Price.Amount, Currency: currency},
			IntervalCount: s.cfg.ChargeIntervalCount,
			IntervalUnit:  s.cfg.ChargeIntervalUnit,
		},
		Gateway:   GatewayAgreement{PayerEmail: in.PayerEmail},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if !in.TrialEligible {
		sub.Status = StatusPending
		sub.Trial = Trial{StartedAt: now, Consumed: true}
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	// Non-eligible callers go straight to billing: try to issue the
	// authorization link now, but never fail the creation over it.
	if sub.Status == StatusPending {
		s.issueAgreement(ctx, sub)
	}

	return &CreateSubscriptionResult{
		Subscription:       sub,
		RequiresActivation: !in.TrialEligible,
	}, nil
}

// ActivationResult is returned from Activate.
type ActivationResult struct {
	Subscription     *Subscription `json:"subscription"`
	AgreementID      string        `json:"agreement_id,omitempty"`
	AuthorizationURL string        `json:"authorization_url,omitempty"`
}

// Activate moves a trial-expired subscription into pending and ensures
// a gateway agreement exists. It is idempotent: when an authorization
// link is already attached the existing link is returned instead of a
// second agreement being created. Concurrent callers race on the
// version-guarded claim of the trial_expired -> pending edge, so only
// the winner talks to the gateway.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*ActivationResult, error) {
	retries := s.cfg.ConflictRetries
	if retries < 1 {
		retries = 1
	}

	var sub *Subscription
	claimed := false
	sawTrialExpired := false
	for range retries {
		cur, err := s.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		sub = cur
		if sub.Status != StatusTrialExpired {
			break
		}
		sawTrialExpired = true

		next, err := Apply(*sub, EventActivationRequested, s.now())
		if err != nil {
			return nil, err
		}
		if err := s.subs.Update(ctx, &next); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}
		sub = &next
		claimed = true
		break
	}

	if sub.Status == StatusTrialExpired {
		return nil, ErrConcurrencyConflict
	}
	if sub.Status != StatusPending && sub.Status != StatusActive {
		return nil, &IllegalTransitionError{From: sub.Status, Event: EventActivationRequested}
	}
	if sub.HasAgreement() {
		return &ActivationResult{
			Subscription:     sub,
			AgreementID:      sub.Gateway.AgreementID,
			AuthorizationURL: sub.Gateway.AuthorizationURL,
		}, nil
	}
	if sub.Status != StatusPending {
		return nil, &IllegalTransitionError{From: sub.Status, Event: EventActivationRequested}
	}

	// Pending without a link. If this call saw the trial_expired state
	// but lost the claim, a concurrent activation is mid-flight at the
	// gateway. Re-read once: the winner may have attached its agreement
	// since our last read, and then its link is our result too. If the
	// winner is still at the gateway, back off instead of racing it with
	// a second agreement. A call that found the record already pending
	// is the retry of a gateway failure and self-heals by creating the
	// missing agreement.
	if sawTrialExpired && !claimed {
		cur, err := s.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.HasAgreement() {
			return &ActivationResult{
				Subscription:     cur,
				AgreementID:      cur.Gateway.AgreementID,
				AuthorizationURL: cur.Gateway.AuthorizationURL,
			}, nil
		}
		return nil, ErrActivationInProgress
	}

	agreement, err := s.createAgreement(ctx, sub)
	if err != nil {
		// The record stays pending without a link; the caller retries
		// the same idempotent operation.
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	sub, err = s.attachAgreement(ctx, sub.ID, *agreement)
	if err != nil {
		return nil, err
	}

	return &ActivationResult{
		Subscription:     sub,
		AgreementID:      sub.Gateway.AgreementID,
		AuthorizationURL: sub.Gateway.AuthorizationURL,
	}, nil
}

// Pause suspends the subscription. The pause is mirrored to the gateway
// first; a gateway failure surfaces to the caller because the user is
// actively waiting on the outcome.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.mirrorAndTransition(ctx, id, AgreementPaused, EventPauseRequested, "", "membership paused")
}

// Cancel terminates the subscription. Terminal: no event brings a
// cancelled record back.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Subscription, error) {
	return s.mirrorAndTransition(ctx, id, AgreementCancelled, EventCancelRequested, reason, "membership cancelled")
}

func (s *Service) mirrorAndTransition(ctx context.Context, id uuid.UUID, remote AgreementStatus, ev Event, cancelReason, notifyReason string) (*Subscription, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Validate the edge before touching the gateway so an illegal
	// request never mutates remote state.
	if _, err := Apply(*sub, ev, s.now()); err != nil {
		return nil, err
	}

	remoteStatus := ""
	if sub.HasAgreement() {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		remoteStatus, err = s.gateway.SetAgreementStatus(gctx, sub.Gateway.AgreementID, remote)
		if err != nil {
			return nil, errors.Join(ErrGatewayUnavailable, err)
		}
	}

	updated, err := s.applyAndSave(ctx, id, func(cur Subscription) (Subscription, error) {
		next, err := Apply(cur, ev, s.now())
		if err != nil {
			return cur, err
		}
		if remoteStatus != "" {
			next.Gateway.Status = remoteStatus
		}
		if cancelReason != "" {
			next.CancelReason = cancelReason
		}
		return next, nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, updated, notifyReason)
	return updated, nil
}

// SubscriptionDetails is the read model returned from Get.
type SubscriptionDetails struct {
	Subscription *Subscription   `json:"subscription"`
	Stats        AttendanceStats `json:"stats"`
}

// Get returns the subscription together with its attendance statistics.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*SubscriptionDetails, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.attendance.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SubscriptionDetails{Subscription: sub, Stats: stats}, nil
}

// applyAndSave runs a bounded read-mutate-write loop against the
// version-guarded store.
func (s *Service) applyAndSave(ctx context.Context, id uuid.UUID, mutate func(Subscription) (Subscription, error)) (*Subscription, error) {
	retries := s.cfg.ConflictRetries
	if retries < 1 {
		retries = 1
	}
	for range retries {
		cur, err := s.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := mutate(*cur)
		if err != nil {
			return nil, err
		}
		if err := s.subs.Update(ctx, &next); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return nil, err
		}
		return &next, nil
	}
	return nil, ErrConcurrencyConflict
}

// createAgreement calls the gateway under the configured short timeout.
func (s *Service) createAgreement(ctx context.Context, sub *Subscription) (*Agreement, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	return s.gateway.CreateAgreement(gctx, AgreementRequest{
		Reason:            fmt.Sprintf("Academy membership %s", sub.AcademyID),
		ExternalReference: ExternalReference(sub.UserID, sub.AcademyID, s.now()),
		PayerEmail:        sub.Gateway.PayerEmail,
		Price:             sub.Billing.Price,
		IntervalCount:     sub.Billing.IntervalCount,
		IntervalUnit:      sub.Billing.IntervalUnit,
	})
}

// attachAgreement commits the agreement onto the record. If a
// concurrent writer attached one first, theirs wins and ours is
// reported as an orphan; the agreement id is immutable once set.
func (s *Service) attachAgreement(ctx context.Context, id uuid.UUID, a Agreement) (*Subscription, error) {
	updated, err := s.applyAndSave(ctx, id, func(cur Subscription) (Subscription, error) {
		if err := cur.AttachAgreement(a); err != nil {
			return cur, err
		}
		cur.UpdatedAt = s.now()
		return cur, nil
	})
	if err == nil {
		return updated, nil
	}
	if errors.Is(err, ErrAgreementAttached) {
		s.log.WarnContext(ctx, "agreement attached concurrently, dropping orphan",
			slog.String("subscription_id", id.String()),
			slog.String("orphan_agreement_id", a.ID))
		return s.subs.Get(ctx, id)
	}
	return nil, err
}

// issueAgreement is the best-effort variant: a gateway outage leaves
// the authorization link null and the caller moves on.
func (s *Service) issueAgreement(ctx context.Context, sub *Subscription) {
	agreement, err := s.createAgreement(ctx, sub)
	if err != nil {
		s.log.WarnContext(ctx, "gateway agreement creation failed, activation pending",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
		return
	}
	updated, err := s.attachAgreement(ctx, sub.ID, *agreement)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to attach gateway agreement",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
		return
	}
	*sub = *updated
}

func (s *Service) notify(ctx context.Context, sub *Subscription, reason string) {
	err := s.notifier.Notify(ctx, Notification{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		NewStatus:      sub.Status,
		Reason:         reason,
	})
	if err != nil {
		s.log.WarnContext(ctx, "transition notification failed",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
	}
}
