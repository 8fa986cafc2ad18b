package membership

import "time"

// TrialPolicy decides when a trial expires. The model is hybrid OR:
// the trial is over as soon as either the class limit or the day limit
// is reached, whichever happens first. Hitting a threshold exactly
// counts as expired.
type TrialPolicy struct {
	MaxFreeClasses int
	MaxFreeDays    int
}

// Expired reports whether the trial has run out at the given instant.
// Pure function of its inputs; callers inject now.
func (p TrialPolicy) Expired(t Trial, now time.Time) bool {
	if !t.InTrial {
		return true
	}
	if t.ClassesAttended >= p.MaxFreeClasses {
		return true
	}
	return p.elapsedDays(t.StartedAt, now) >= p.MaxFreeDays
}

// EndsAt returns the calendar end of the trial window. Stored on the
// record for display; expiry checks always re-derive from StartedAt so
// a policy change takes effect on existing trials.
func (p TrialPolicy) EndsAt(startedAt time.Time) time.Time {
	return startedAt.AddDate(0, 0, p.MaxFreeDays)
}

func (p TrialPolicy) elapsedDays(startedAt, now time.Time) int {
	if now.Before(startedAt) {
		return 0
	}
	return int(now.Sub(startedAt).Hours() / 24)
}
