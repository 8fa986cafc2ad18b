package membership_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andeshq/membership/modules/membership"
)

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	return newTestServerWithConfig(t, testConfig())
}

func newTestServerWithConfig(t *testing.T, cfg membership.Config) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t, cfg)
	rec := membership.NewReconciler(cfg, env.subs, env.ledger,
		membership.WithReconcilerClock(func() time.Time { return env.now }),
	)
	srv := httptest.NewServer(membership.Router(env.svc, rec, nil))
	t.Cleanup(srv.Close)
	return srv, env
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeData(t *testing.T, res *http.Response, into any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, into))
}

func TestRouter_SubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	userID, academyID := uuid.New(), uuid.New()

	// Create a trial subscription.
	res := postJSON(t, srv.URL+"/subscriptions", map[string]any{
		"user_id":        userID,
		"academy_id":     academyID,
		"price_amount":   2500000,
		"payer_email":    "member@example.com",
		"trial_eligible": true,
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var created membership.CreateSubscriptionResult
	decodeData(t, res, &created)
	require.Equal(t, membership.StatusTrial, created.Subscription.Status)
	subID := created.Subscription.ID

	// A second create for the same pair conflicts.
	res = postJSON(t, srv.URL+"/subscriptions", map[string]any{
		"user_id":        userID,
		"academy_id":     academyID,
		"price_amount":   2500000,
		"trial_eligible": true,
	})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	// First class burns the single free class and expires the trial.
	res = postJSON(t, srv.URL+"/attendance", map[string]any{
		"subscription_id": subID,
		"group_id":        uuid.New(),
		"registered_by":   uuid.New(),
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var att membership.AttendanceResult
	decodeData(t, res, &att)
	assert.True(t, att.RequiresActivation)
	assert.Equal(t, membership.StatusTrialExpired, att.Subscription.Status)

	// Activation returns the authorization link.
	res = postJSON(t, fmt.Sprintf("%s/subscriptions/%s/activate", srv.URL, subID), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var act membership.ActivationResult
	decodeData(t, res, &act)
	assert.NotEmpty(t, act.AuthorizationURL)

	// The gateway confirms payer authorization via webhook.
	res = postJSON(t, srv.URL+"/webhooks/subscriptions", map[string]any{
		"type":   "subscription_preapproval",
		"action": "created",
		"data":   map[string]any{"id": act.AgreementID, "status": "authorized"},
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var reconciled membership.ReconcileResult
	decodeData(t, res, &reconciled)
	assert.Equal(t, membership.OutcomeApplied, reconciled.Outcome)
	assert.Equal(t, membership.StatusActive, reconciled.Subscription.Status)

	// Read model includes attendance stats.
	getRes, err := http.Get(fmt.Sprintf("%s/subscriptions/%s", srv.URL, subID))
	require.NoError(t, err)
	defer getRes.Body.Close()
	require.Equal(t, http.StatusOK, getRes.StatusCode)

	var details membership.SubscriptionDetails
	decodeData(t, getRes, &details)
	assert.Equal(t, int64(1), details.Stats.Total)
	assert.Equal(t, int64(1), details.Stats.Trial)

	// Cancel through the management endpoint.
	req, err := http.NewRequest(http.MethodPut,
		fmt.Sprintf("%s/subscriptions/%s", srv.URL, subID),
		bytes.NewReader([]byte(`{"action":"cancel","reason":"moving abroad"}`)))
	require.NoError(t, err)
	putRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer putRes.Body.Close()
	require.Equal(t, http.StatusOK, putRes.StatusCode)

	var cancelled membership.Subscription
	decodeData(t, putRes, &cancelled)
	assert.Equal(t, membership.StatusCancelled, cancelled.Status)
	assert.Equal(t, "moving abroad", cancelled.CancelReason)
}

func TestRouter_ErrorMapping(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	t.Run("unknown subscription is 404", func(t *testing.T) {
		res, err := http.Get(fmt.Sprintf("%s/subscriptions/%s", srv.URL, uuid.New()))
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("malformed id is 422", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/subscriptions/not-a-uuid")
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	})

	t.Run("invalid management action is 422", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut,
			fmt.Sprintf("%s/subscriptions/%s", srv.URL, uuid.New()),
			bytes.NewReader([]byte(`{"action":"freeze"}`)))
		require.NoError(t, err)
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	})

	t.Run("attendance without a live subscription is 404", func(t *testing.T) {
		res := postJSON(t, srv.URL+"/attendance", map[string]any{
			"user_id":       uuid.New(),
			"academy_id":    uuid.New(),
			"group_id":      uuid.New(),
			"registered_by": uuid.New(),
		})
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("webhook verification probe is 200", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/webhooks/subscriptions")
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)
	})

	t.Run("unparseable webhook body is acknowledged", func(t *testing.T) {
		res, err := http.Post(srv.URL+"/webhooks/subscriptions", "application/json",
			bytes.NewReader([]byte("not-json{")))
		require.NoError(t, err)
		defer res.Body.Close()
		assert.Equal(t, http.StatusOK, res.StatusCode)

		var reconciled membership.ReconcileResult
		decodeData(t, res, &reconciled)
		assert.Equal(t, membership.OutcomeIgnored, reconciled.Outcome)
	})
}

func TestRouter_AttendanceHonorsOccurredAt(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 3
	srv, env := newTestServerWithConfig(t, cfg)

	sub := createTrial(t, env)
	occurred := time.Date(2025, 2, 20, 15, 0, 0, 0, time.UTC)

	res := postJSON(t, srv.URL+"/attendance", map[string]any{
		"subscription_id": sub.ID,
		"group_id":        uuid.New(),
		"occurred_at":     occurred,
		"registered_by":   uuid.New(),
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var att membership.AttendanceResult
	decodeData(t, res, &att)
	require.NotNil(t, att.Attendance)

	// A back-dated registration lands on its own calendar day, not the
	// server's today, so the per-day uniqueness gate checks the right day.
	assert.True(t, membership.AttendanceDay(occurred).Equal(att.Attendance.Day),
		"attendance day %s, want %s", att.Attendance.Day, membership.AttendanceDay(occurred))
	assert.False(t, membership.AttendanceDay(env.now).Equal(att.Attendance.Day))
}

func TestRouter_DuplicateAttendanceIsOK(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxFreeClasses = 3
	srv, env := newTestServerWithConfig(t, cfg)
	ctx := context.Background()

	sub := createTrial(t, env)
	groupID, coach := uuid.New(), uuid.New()
	body := map[string]any{
		"subscription_id": sub.ID,
		"group_id":        groupID,
		"registered_by":   coach,
	}

	first := postJSON(t, srv.URL+"/attendance", body)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	// Same user, group and day: acknowledged without a second write.
	before, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)

	second := postJSON(t, srv.URL+"/attendance", body)
	require.Equal(t, http.StatusOK, second.StatusCode)

	var res membership.AttendanceResult
	decodeData(t, second, &res)
	assert.True(t, res.Duplicate)

	after, err := env.subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}
