package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeshq/membership/modules/membership"
)

func TestRegisterAttendance_FirstClassExpiresTrial(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	sub := createTrial(t, env)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)

	require.NotNil(t, res.Attendance)
	assert.True(t, res.Attendance.CountedAsTrial)
	assert.True(t, res.RequiresActivation)
	assert.Equal(t, membership.StatusTrialExpired, res.Subscription.Status)
	assert.Equal(t, 1, res.Subscription.Trial.ClassesAttended)
	assert.True(t, res.Subscription.Trial.Consumed)

	// The expiry edge eagerly fetched the authorization link.
	assert.True(t, res.Subscription.HasAgreement())
	assert.Equal(t, 1, env.gateway.createdCount())
}

func TestRegisterAttendance_GatewayDownNeverFailsAttendance(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig())
	env.gateway.failCreate = true
	ctx := context.Background()

	sub := createTrial(t, env)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)

	// The class is recorded and the trial is spent; only the link is
	// missing until a later activation retry.
	require.NotNil(t, res.Attendance)
	assert.Equal(t, membership.StatusTrialExpired, res.Subscription.Status)
	assert.True(t, res.RequiresActivation)
	assert.False(t, res.Subscription.HasAgreement())

	env.gateway.failCreate = false
	act, err := env.svc.Activate(ctx, sub.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, act.AuthorizationURL)
}

func TestRegisterAttendance_SameDayDuplicateIsNoop(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)
	groupID := uuid.New()
	coach := uuid.New()

	first, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        groupID,
		RegisteredBy:   coach,
	})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, first.Subscription.Trial.ClassesAttended)

	second, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        groupID,
		RegisteredBy:   coach,
	})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Attendance)

	// The duplicate must not burn a trial class.
	cur, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Trial.ClassesAttended)
	assert.Equal(t, membership.StatusTrial, cur.Status)
}

func TestRegisterAttendance_NextDayCountsAgain(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)
	groupID := uuid.New()

	_, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        groupID,
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)

	env.now = env.now.AddDate(0, 0, 1)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        groupID,
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 2, res.Subscription.Trial.ClassesAttended)
	assert.Equal(t, membership.StatusTrialExpired, res.Subscription.Status)
}

func TestRegisterAttendance_DayWindowExpiry(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 100
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)

	// Eight days later the calendar window has run out even though the
	// class quota has barely been touched.
	env.now = env.now.AddDate(0, 0, 8)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, membership.StatusTrialExpired, res.Subscription.Status)
	assert.True(t, res.RequiresActivation)
}

func TestRegisterAttendance_InactiveMembershipRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	sub := createTrial(t, env)
	expireTrial(t, env, sub.ID)

	_, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		RegisteredBy:   uuid.New(),
	})
	assert.ErrorIs(t, err, membership.ErrMembershipInactive)
}

func TestRegisterAttendance_ActiveMemberCountsAsPaid(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	sub := createTrial(t, env)
	expireTrial(t, env, sub.ID)
	_, err := env.svc.Activate(ctx, sub.ID)
	require.NoError(t, err)

	cur, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	next, err := membership.Apply(*cur, membership.EventAgreementAuthorized, env.now)
	require.NoError(t, err)
	require.NoError(t, env.subs.Update(ctx, &next))

	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)
	assert.False(t, res.Attendance.CountedAsTrial)
	assert.False(t, res.RequiresActivation)
	assert.Equal(t, membership.StatusActive, res.Subscription.Status)

	stats, err := env.att.Stats(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Paid)
	assert.Zero(t, stats.Trial)
}

func TestRegisterAttendance_ResolvesByUserAndAcademy(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		UserID:       sub.UserID,
		AcademyID:    sub.AcademyID,
		GroupID:      uuid.New(),
		RegisteredBy: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, sub.ID, res.Subscription.ID)

	_, err = env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		UserID:       uuid.New(),
		AcademyID:    sub.AcademyID,
		GroupID:      uuid.New(),
		RegisteredBy: uuid.New(),
	})
	assert.ErrorIs(t, err, membership.ErrSubscriptionNotFound)
}

func TestRegisterAttendance_RequiresGroup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, testConfig())

	_, err := env.svc.RegisterAttendance(context.Background(), membership.RegisterAttendanceInput{
		SubscriptionID: uuid.New(),
	})
	assert.ErrorIs(t, err, membership.ErrInvalidInput)
}

func TestRegisterAttendance_ExplicitOccurredAt(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 5
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)
	occurred := time.Date(2025, 3, 3, 19, 30, 0, 0, time.UTC)
	res, err := env.svc.RegisterAttendance(ctx, membership.RegisterAttendanceInput{
		SubscriptionID: sub.ID,
		GroupID:        uuid.New(),
		OccurredAt:     occurred,
		RegisteredBy:   uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, membership.AttendanceDay(occurred), res.Attendance.Day)
}
