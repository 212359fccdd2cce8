package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servimatch/internal/clock"
	"servimatch/internal/config"
	"servimatch/internal/db"
	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/metrics"
	"servimatch/internal/migrate"
	"servimatch/internal/repo"
	servimatchsdk "servimatch/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Clock  *clock.FakeClock
	sdk    *servimatchsdk.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clk := clock.Fake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	e := engine.New(conn, config.Default(), clk)
	e.Metrics = metrics.New()

	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, AllowDevHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, Clock: clk, sdk: servimatchsdk.New(srv.URL)}
}

func (s *testServer) as(userID string) *servimatchsdk.Client { return s.sdk.As(userID) }

func (s *testServer) get(t *testing.T, path string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(data)
}

func requireAPIError(t *testing.T, err error, status int, code string) *servimatchsdk.APIError {
	t.Helper()
	require.Error(t, err)
	var apiErr *servimatchsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, status, apiErr.StatusCode, apiErr.Body)
	assert.Equal(t, code, apiErr.Code, apiErr.Body)
	return apiErr
}

func ptr[T any](v T) *T { return &v }

func TestMarketplaceFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	explorer := srv.as("explorer-1")
	plumber := srv.as("as-1")
	token, err := SignToken(testSecret, "as-2", time.Hour, time.Now())
	require.NoError(t, err)
	rival := servimatchsdk.New(srv.URL)
	rival.BearerToken = token

	req, err := explorer.CreateRequest(ctx, servimatchsdk.NewRequest{
		CategoryID: "plumbing", Locality: "centro", Urgency: "high", BudgetMin: ptr(int64(100)), BudgetMax: ptr(int64(300)),
	})
	require.NoError(t, err)
	assert.Equal(t, "active", req.Status)
	assert.Equal(t, "2025-03-04T09:00:00Z", req.ExpiresAt)

	win, err := plumber.SubmitInterest(ctx, req.ID, ptr(int64(200)), "tomorrow morning")
	require.NoError(t, err)
	lose, err := rival.SubmitInterest(ctx, req.ID, ptr(int64(250)), "")
	require.NoError(t, err)
	_, err = plumber.SubmitInterest(ctx, req.ID, nil, "again")
	requireAPIError(t, err, http.StatusConflict, "duplicate_interest")

	_, err = plumber.ListInterests(ctx, req.ID)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	listed, err := explorer.ListInterests(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.False(t, listed[0].Viewed)
	listed, err = explorer.ListInterests(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, listed[0].Viewed)

	_, err = plumber.AcceptInterest(ctx, req.ID, win.ID, nil)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	accepted, err := explorer.AcceptInterest(ctx, req.ID, win.ID, ptr(int64(180)))
	require.NoError(t, err)
	assert.Equal(t, "active", accepted.Connection.Status)
	assert.NotEmpty(t, accepted.ChatRoom)
	require.Len(t, accepted.Rejected, 1)
	assert.Equal(t, lose.ID, accepted.Rejected[0].ID)
	_, err = explorer.AcceptInterest(ctx, req.ID, lose.ID, nil)
	requireAPIError(t, err, http.StatusConflict, "already_accepted")

	got, err := explorer.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", got.Status)
	require.NotNil(t, got.SelectedASID)
	assert.Equal(t, "as-1", *got.SelectedASID)
	bids, err := rival.MyInterests(ctx)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "rejected", bids[0].Status)

	connID := accepted.Connection.ID
	_, err = explorer.Confirm(ctx, connID, "")
	requireAPIError(t, err, http.StatusConflict, "invalid_state")
	_, err = rival.GetConnection(ctx, connID)
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	started, err := plumber.StartConnection(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "service_in_progress", started.Status)

	check, err := plumber.CanSwitch(ctx, "as-1", "provider")
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	require.Len(t, check.Reasons, 1)
	assert.Equal(t, domain.ReasonServiceInProgress, check.Reasons[0].Kind)
	_, err = plumber.SwitchRole(ctx, "as-1", "provider", "")
	locked := requireAPIError(t, err, http.StatusLocked, "role_switch_blocked")
	assert.Contains(t, locked.Details, "reasons")
	_, err = plumber.SwitchRole(ctx, "explorer-1", "provider", "")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	first, err := explorer.Confirm(ctx, connID, "all good")
	require.NoError(t, err)
	assert.False(t, first.Completed)
	second, err := plumber.Confirm(ctx, connID, "")
	require.NoError(t, err)
	assert.True(t, second.Completed)
	assert.NotEmpty(t, second.ObligationID)

	pending, err := explorer.Obligations(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ObligationID, pending[0].ID)
	_, err = plumber.SubmitReview(ctx, pending[0].ID, 5, "great")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	_, err = explorer.SubmitReview(ctx, pending[0].ID, 6, "great")
	requireAPIError(t, err, http.StatusBadRequest, "validation_failed")
	rv, err := explorer.SubmitReview(ctx, pending[0].ID, 5, "fixed the leak")
	require.NoError(t, err)
	assert.Equal(t, "as-1", rv.RevieweeID)
	_, err = explorer.SubmitReview(ctx, pending[0].ID, 4, "twice")
	requireAPIError(t, err, http.StatusConflict, "already_reviewed")

	reviews, err := rival.Reviews(ctx, "as-1")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, 5, reviews[0].Rating)

	state, err := plumber.SwitchRole(ctx, "as-1", "provider", "back to work")
	require.NoError(t, err)
	assert.Equal(t, "provider", state.ActiveRole)
}

func TestOverdueReviewBlocksActivity(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	explorer := srv.as("explorer-1")
	plumber := srv.as("as-1")

	c, err := explorer.CreateDirectConnection(ctx, "as-1", ptr(int64(90)), false)
	require.NoError(t, err)
	assert.Nil(t, c.RequestID)
	_, err = plumber.StartConnection(ctx, c.ID)
	require.NoError(t, err)
	res, err := explorer.Confirm(ctx, c.ID, "")
	require.NoError(t, err)
	require.True(t, res.Completed, "single confirmation completes when mutual confirmation is off")

	st, err := explorer.BlockingStatus(ctx, "explorer-1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)

	srv.Clock.Advance(7*24*time.Hour + time.Minute)
	st, err = explorer.BlockingStatus(ctx, "explorer-1")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.Equal(t, 1, st.BlockingCount)

	_, err = explorer.CreateRequest(ctx, servimatchsdk.NewRequest{CategoryID: "plumbing", Locality: "centro", Urgency: "low"})
	blocked := requireAPIError(t, err, http.StatusLocked, "activity_blocked")
	assert.Contains(t, blocked.Details, "reasons")
	_, err = explorer.SwitchRole(ctx, "explorer-1", "provider", "")
	requireAPIError(t, err, http.StatusLocked, "role_switch_blocked")
	_, err = plumber.BlockingStatus(ctx, "explorer-1")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
}

func TestErrorEnvelopeAndAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, body := srv.get(t, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	res, body = srv.get(t, "/v1/requests", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.JSONEq(t, `{"error":{"code":"unauthorized","message":"authentication required"}}`, body)
	res, _ = srv.get(t, "/v1/requests", map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	explorer := srv.as("explorer-1")
	_, err := explorer.GetRequest(ctx, "req_missing")
	requireAPIError(t, err, http.StatusNotFound, "not_found")
	_, err = explorer.CreateRequest(ctx, servimatchsdk.NewRequest{
		CategoryID: "plumbing", Locality: "centro", Urgency: "low", BudgetMin: ptr(int64(500)), BudgetMax: ptr(int64(100)),
	})
	invalid := requireAPIError(t, err, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "budget_min", invalid.Details["field"])
	_, err = explorer.CreateRequest(ctx, servimatchsdk.NewRequest{CategoryID: "plumbing", Locality: "centro", Urgency: "someday"})
	assert.Equal(t, http.StatusBadRequest, servimatchsdk.StatusCode(err))

	req, err := explorer.CreateRequest(ctx, servimatchsdk.NewRequest{CategoryID: "plumbing", Locality: "centro", Urgency: "low"})
	require.NoError(t, err)
	_, err = srv.as("someone-else").CancelRequest(ctx, req.ID, "mine now")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")
	cancelled, err := explorer.CancelRequest(ctx, req.ID, "found someone")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.Status)
	_, err = srv.as("as-1").SubmitInterest(ctx, req.ID, nil, "")
	requireAPIError(t, err, http.StatusConflict, "request_not_active")
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	issued, err := srv.Engine.CreateAPIKey(ctx, "explorer-1", "laptop")
	require.NoError(t, err)
	assert.Equal(t, "explorer-1", issued.UserID)
	assert.Equal(t, repo.HashAPIKey(issued.Key), issued.KeyHash)

	client := servimatchsdk.New(srv.URL)
	client.APIKey = issued.Key
	req, err := client.CreateRequest(ctx, servimatchsdk.NewRequest{CategoryID: "garden", Locality: "norte", Urgency: "medium"})
	require.NoError(t, err)
	assert.Equal(t, "explorer-1", req.ExplorerID)

	client.APIKey = "sk-wrong"
	_, err = client.ListRequests(ctx, "", "")
	requireAPIError(t, err, http.StatusUnauthorized, "invalid_credentials")
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.as("explorer-1").ListRequests(context.Background(), "active", "")
	require.NoError(t, err)

	res, body := srv.get(t, "/v1/openapi.json", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `"/v1/requests/{id}/interests/{interest_id}/accept"`)
	assert.Contains(t, body, "bearerAuth")

	res, body = srv.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(body, "servimatch_engine_operations_total") || strings.Contains(body, "go_goroutines"))
}

func TestDisplayNameAndNotifications(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	explorer := srv.as("explorer-1")
	plumber := srv.as("as-1")

	u, err := plumber.SetDisplayName(ctx, "as-1", "  Rosa Plumbing ")
	require.NoError(t, err)
	assert.Equal(t, "Rosa Plumbing", u.DisplayName)
	_, err = explorer.SetDisplayName(ctx, "as-1", "Someone Else")
	requireAPIError(t, err, http.StatusForbidden, "forbidden")

	req, err := explorer.CreateRequest(ctx, servimatchsdk.NewRequest{CategoryID: "plumbing", Locality: "centro", Urgency: "high"})
	require.NoError(t, err)
	in, err := plumber.SubmitInterest(ctx, req.ID, ptr(int64(80)), "tomorrow morning")
	require.NoError(t, err)

	notes, err := explorer.Notifications(ctx, "interest.received")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, in.ID, notes[0].EntityID)
	assert.Equal(t, "as-1", notes[0].ActorID)

	notes, err = plumber.Notifications(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, notes)

	c, err := explorer.CreateDirectConnection(ctx, "as-1", nil, false)
	require.NoError(t, err)
	_, err = plumber.StartConnection(ctx, c.ID)
	require.NoError(t, err)
	_, err = explorer.Confirm(ctx, c.ID, "")
	require.NoError(t, err)
	srv.Clock.Advance(8 * 24 * time.Hour)

	st, err := explorer.BlockingStatus(ctx, "explorer-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Rosa Plumbing"}, st.PendingCounterpartNames)
}
