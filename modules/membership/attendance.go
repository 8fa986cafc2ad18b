package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RegisterAttendanceInput identifies the subscription either directly
// or through the (user, academy) pair. A zero OccurredAt means "now".
type RegisterAttendanceInput struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	AcademyID      uuid.UUID
	GroupID        uuid.UUID
	OccurredAt     time.Time
	RegisteredBy   uuid.UUID
}

// AttendanceResult is returned from RegisterAttendance. Duplicate marks
// a same-day re-registration, which is success-equivalent: nothing was
// written and nothing was counted twice.
type AttendanceResult struct {
	Attendance         *Attendance   `json:"attendance,omitempty"`
	Subscription       *Subscription `json:"subscription"`
	RequiresActivation bool          `json:"requires_activation"`
	Duplicate          bool          `json:"duplicate"`
}

// RegisterAttendance records a usage event against the subscription.
// On a trial record it increments the class counter and, exactly once
// per record, drives the trial -> trial_expired edge when the hybrid
// policy trips. Obtaining the gateway authorization link on that edge
// is best-effort: a gateway outage never fails the attendance write,
// it only leaves the link null until a later Activate call.
func (s *Service) RegisterAttendance(ctx context.Context, in RegisterAttendanceInput) (*AttendanceResult, error) {
	if in.GroupID == uuid.Nil {
		return nil, fmt.Errorf("%w: group is required", ErrInvalidInput)
	}

	sub, err := s.resolveSubscription(ctx, in)
	if err != nil {
		return nil, err
	}
	if !sub.CanAttend() {
		return nil, fmt.Errorf("%w: status %s", ErrMembershipInactive, sub.Status)
	}

	now := s.now()
	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	att := &Attendance{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		AcademyID:      sub.AcademyID,
		GroupID:        in.GroupID,
		Day:            AttendanceDay(occurredAt),
		CountedAsTrial: sub.Status == StatusTrial,
		RegisteredBy:   in.RegisteredBy,
		CreatedAt:      now,
	}
	if err := s.attendance.Insert(ctx, att); err != nil {
		if errors.Is(err, ErrDuplicateAttendance) {
			return &AttendanceResult{Subscription: sub, Duplicate: true}, nil
		}
		return nil, err
	}

	result := &AttendanceResult{Attendance: att, Subscription: sub}
	if sub.Status != StatusTrial {
		return result, nil
	}

	// Count the class and evaluate the hybrid policy under the
	// version-guarded write so concurrent registrations cannot lose an
	// increment or fire the expiry edge twice.
	policy := s.cfg.TrialPolicy()
	wonEdge := false
	updated, err := s.applyAndSave(ctx, sub.ID, func(cur Subscription) (Subscription, error) {
		wonEdge = false
		if cur.Status != StatusTrial {
			// A concurrent writer already moved the record on; the
			// attendance stands, the trial accounting belongs to them.
			return cur, nil
		}
		cur.Trial.ClassesAttended++
		cur.UpdatedAt = s.now()
		if !policy.Expired(cur.Trial, s.now()) {
			return cur, nil
		}
		next, err := Apply(cur, EventTrialExpired, s.now())
		if err != nil {
			return cur, err
		}
		wonEdge = true
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	result.Subscription = updated

	if !wonEdge {
		result.RequiresActivation = updated.Status == StatusTrialExpired
		return result, nil
	}
	result.RequiresActivation = true

	s.notify(ctx, updated, "free trial expired")

	// Best-effort authorization link. Failure is logged and swallowed:
	// the record is already trial_expired and Activate retries later.
	if !updated.HasAgreement() {
		s.issueAgreement(ctx, updated)
		result.Subscription = updated
	}

	return result, nil
}

func (s *Service) resolveSubscription(ctx context.Context, in RegisterAttendanceInput) (*Subscription, error) {
	if in.SubscriptionID != uuid.Nil {
		return s.subs.Get(ctx, in.SubscriptionID)
	}
	if in.UserID == uuid.Nil || in.AcademyID == uuid.Nil {
		return nil, fmt.Errorf("%w: subscription id or user and academy are required", ErrInvalidInput)
	}
	sub, err := s.subs.FindLive(ctx, in.UserID, in.AcademyID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			s.log.DebugContext(ctx, "no live subscription for attendance",
				slog.String("user_id", in.UserID.String()),
				slog.String("academy_id", in.AcademyID.String()))
		}
		return nil, err
	}
	return sub, nil
}
