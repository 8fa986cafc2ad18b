package membership

import "time"

// transitions is the authoritative edge table. Any (status, event) pair
// missing here is an illegal transition. The nested-map layout gives an
// O(1) lookup per edge.
//
// active -> active on payment.approved is the recurring-charge
// self-transition: the monthly charge keeps the record active and
// advances the billing schedule.
var transitions = map[Status]map[Event]Status{
	StatusTrial: {
		EventTrialExpired:   StatusTrialExpired,
		EventPauseRequested: StatusPaused,
	},
	StatusTrialExpired: {
		EventActivationRequested: StatusPending,
		EventPauseRequested:      StatusPaused,
	},
	StatusPending: {
		EventAgreementAuthorized: StatusActive,
		EventPaymentApproved:     StatusActive,
		EventPauseRequested:      StatusPaused,
		EventCancelRequested:     StatusCancelled,
	},
	StatusActive: {
		EventPaymentApproved: StatusActive,
		EventPaymentRejected: StatusPastDue,
		EventPauseRequested:  StatusPaused,
		EventCancelRequested: StatusCancelled,
	},
	StatusPastDue: {
		EventPaymentApproved: StatusActive,
		EventPauseRequested:  StatusPaused,
		EventCancelRequested: StatusCancelled,
	},
	StatusPaused: {
		EventAgreementAuthorized: StatusActive,
		EventCancelRequested:     StatusCancelled,
	},
}

// CanApply reports whether the event has a legal edge from the current
// status. Re-applying trial expiry to an already expired record counts
// as legal because Apply treats it as a no-op.
func CanApply(s Subscription, ev Event) bool {
	if ev == EventTrialExpired && s.Status == StatusTrialExpired {
		return true
	}
	_, ok := transitions[s.Status][ev]
	return ok
}

// Apply computes the subscription after the event. It is a pure
// transition function: the input record is not mutated and the new
// value carries every field derived from the edge (status, lifecycle
// timestamps, trial flags, billing schedule). The caller is responsible
// for committing the result through the version-guarded store write.
func Apply(s Subscription, ev Event, now time.Time) (Subscription, error) {
	// Idempotent edge: expiring an already expired trial is a no-op,
	// not an error.
	if ev == EventTrialExpired && s.Status == StatusTrialExpired {
		return s, nil
	}

	to, ok := transitions[s.Status][ev]
	if !ok {
		return s, &IllegalTransitionError{From: s.Status, Event: ev}
	}

	next := s
	next.Status = to
	next.UpdatedAt = now

	switch ev {
	case EventTrialExpired:
		next.Trial.InTrial = false
		next.Trial.Consumed = true

	case EventAgreementAuthorized:
		next.Trial.InTrial = false
		next.Trial.Consumed = true
		if next.ActivatedAt == nil {
			t := now
			next.ActivatedAt = &t
		}
		next.PausedAt = nil

	case EventPaymentApproved:
		next.Trial.InTrial = false
		next.Trial.Consumed = true
		if next.ActivatedAt == nil {
			t := now
			next.ActivatedAt = &t
		}
		last := now
		nextCharge := s.Billing.NextChargeAfter(now)
		next.Billing.LastChargeAt = &last
		next.Billing.NextChargeAt = &nextCharge

	case EventPauseRequested:
		t := now
		next.PausedAt = &t

	case EventCancelRequested:
		t := now
		next.CancelledAt = &t
	}

	return next, nil
}
