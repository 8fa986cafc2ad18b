package membership

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound = errors.New("membership: subscription not found")
	ErrAlreadySubscribed    = errors.New("membership: a live subscription already exists for this user and academy")
	ErrMembershipInactive   = errors.New("membership: subscription does not admit attendance")

	ErrDuplicateAttendance = errors.New("membership: attendance already registered for this user, group and day")
	ErrDuplicatePayment    = errors.New("membership: payment already recorded")

	ErrAgreementAttached    = errors.New("membership: gateway agreement already attached")
	ErrGatewayUnavailable   = errors.New("membership: payment gateway unavailable")
	ErrConcurrencyConflict  = errors.New("membership: subscription modified concurrently, retry")
	ErrActivationInProgress = errors.New("membership: activation already in progress, retry")

	ErrInvalidInput = errors.New("membership: invalid input")
)

// IllegalTransitionError indicates a lifecycle edge that is not in the
// transition table. Raised from an internal caller it is a bug; raised
// while reconciling a webhook it marks a stale or out-of-order event.
type IllegalTransitionError struct {
	From  Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("membership: no transition from %q on %q", e.From, e.Event)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}
