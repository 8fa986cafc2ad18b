package membership_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/andeshq/membership/modules/membership"
)

func TestTrialPolicy_Expired(t *testing.T) {
	t.Parallel()

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	policy := membership.TrialPolicy{MaxFreeClasses: 1, MaxFreeDays: 7}

	t.Run("fresh trial is not expired", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: true, StartedAt: started}
		assert.False(t, policy.Expired(trial, started.Add(time.Hour)))
	})

	t.Run("class limit reached expires immediately", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: true, StartedAt: started, ClassesAttended: 1}
		assert.True(t, policy.Expired(trial, started.Add(time.Hour)))
	})

	t.Run("classes below the limit keep the trial alive", func(t *testing.T) {
		t.Parallel()
		p := membership.TrialPolicy{MaxFreeClasses: 3, MaxFreeDays: 7}
		trial := membership.Trial{InTrial: true, StartedAt: started, ClassesAttended: 2}
		assert.False(t, p.Expired(trial, started.Add(time.Hour)))
	})

	t.Run("just under the day window is still a trial", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: true, StartedAt: started}
		almost := started.Add(7*24*time.Hour - time.Minute)
		assert.False(t, policy.Expired(trial, almost))
	})

	t.Run("exactly the day window counts as expired", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: true, StartedAt: started}
		assert.True(t, policy.Expired(trial, started.Add(7*24*time.Hour)))
	})

	t.Run("record no longer in trial reads as expired", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: false, StartedAt: started}
		assert.True(t, policy.Expired(trial, started))
	})

	t.Run("clock before the trial start does not expire", func(t *testing.T) {
		t.Parallel()
		trial := membership.Trial{InTrial: true, StartedAt: started}
		assert.False(t, policy.Expired(trial, started.Add(-48*time.Hour)))
	})
}

func TestTrialPolicy_EndsAt(t *testing.T) {
	t.Parallel()

	policy := membership.TrialPolicy{MaxFreeClasses: 1, MaxFreeDays: 7}
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC), policy.EndsAt(started))
}

func TestAttendanceDay(t *testing.T) {
	t.Parallel()

	buenosAires := time.FixedZone("ART", -3*60*60)
	late := time.Date(2025, 3, 1, 23, 30, 0, 0, buenosAires)
	day := membership.AttendanceDay(late)

	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), day)
	assert.Equal(t, day, membership.AttendanceDay(day))
}
