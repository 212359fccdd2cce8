package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"servimatch/internal/chat"
	"servimatch/internal/clock"
	"servimatch/internal/config"
	"servimatch/internal/db"
	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/engine/auth"
	"servimatch/internal/events"
	"servimatch/internal/migrate"
	"servimatch/internal/repo"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Clock  *clock.FakeClock
	Chat   *chat.Local
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clk := clock.Fake(t0)
	eng := engine.New(conn, config.Default(), clk)
	local := chat.NewLocal(nil)
	eng.Chat = local
	return testEnv{Engine: eng, Clock: clk, Chat: local, Ctx: context.Background()}
}

func ptr[T any](v T) *T { return &v }

func (env testEnv) post(t *testing.T, explorerID string, urgency domain.Urgency) domain.ServiceRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, explorerID, engine.RequestSpec{
		CategoryID: "plumbing",
		Locality:   "centro",
		Urgency:    urgency,
		BudgetMin:  ptr(int64(100)),
		BudgetMax:  ptr(int64(300)),
	})
	require.NoError(t, err)
	return req
}

func (env testEnv) bid(t *testing.T, requestID, asID string) domain.ASInterest {
	t.Helper()
	in, err := env.Engine.SubmitInterest(env.Ctx, requestID, asID, engine.Proposal{ProposedPrice: ptr(int64(200)), Message: "can do"})
	require.NoError(t, err)
	return in
}

// inProgress returns a connection between explorer and as that has started.
func (env testEnv) inProgress(t *testing.T, explorerID, asID string) domain.Connection {
	t.Helper()
	req := env.post(t, explorerID, domain.UrgencyHigh)
	in := env.bid(t, req.ID, asID)
	res, err := env.Engine.AcceptInterest(env.Ctx, req.ID, in.ID, nil)
	require.NoError(t, err)
	c, err := env.Engine.MarkInProgress(env.Ctx, res.Connection.ID)
	require.NoError(t, err)
	return c
}

func (env testEnv) complete(t *testing.T, explorerID, asID string) (domain.Connection, domain.ReviewObligation) {
	t.Helper()
	c := env.inProgress(t, explorerID, asID)
	_, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyExplorer, "")
	require.NoError(t, err)
	res, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyAS, "")
	require.NoError(t, err)
	require.True(t, res.Completed)
	o, err := env.Engine.GetObligation(env.Ctx, res.ObligationID)
	require.NoError(t, err)
	c, err = env.Engine.GetConnection(env.Ctx, c.ID)
	require.NoError(t, err)
	return c, o
}

func TestCreateRequestExpiryByUrgency(t *testing.T) {
	env := newTestEnv(t)
	cases := map[domain.Urgency]time.Duration{
		domain.UrgencyLow:       168 * time.Hour,
		domain.UrgencyMedium:    120 * time.Hour,
		domain.UrgencyHigh:      72 * time.Hour,
		domain.UrgencyEmergency: 24 * time.Hour,
	}
	for urgency, horizon := range cases {
		req := env.post(t, "explorer-"+string(urgency), urgency)
		assert.Equal(t, repo.Stamp(t0.Add(horizon)), req.ExpiresAt, urgency)
		assert.Equal(t, domain.RequestActive, req.Status)
		assert.Nil(t, req.SelectedASID)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		spec  engine.RequestSpec
		field string
	}{
		{"missing category", engine.RequestSpec{Locality: "x", Urgency: domain.UrgencyLow}, "category_id"},
		{"blank locality", engine.RequestSpec{CategoryID: "c", Locality: "  ", Urgency: domain.UrgencyLow}, "locality"},
		{"unknown urgency", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: "whenever"}, "urgency"},
		{"inverted budget", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: domain.UrgencyLow, BudgetMin: ptr(int64(500)), BudgetMax: ptr(int64(100))}, "budget_min"},
		{"negative budget", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: domain.UrgencyLow, BudgetMax: ptr(int64(-1))}, "budget_max"},
		{"bad date", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: domain.UrgencyLow, PreferredDate: "03/01/2025"}, "preferred_date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateRequest(env.Ctx, "explorer-1", tc.spec)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	_, err := env.Engine.CreateRequest(env.Ctx, "", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: domain.UrgencyLow})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestExpireDueRequests(t *testing.T) {
	env := newTestEnv(t)
	urgent := env.post(t, "explorer-1", domain.UrgencyEmergency)
	relaxed := env.post(t, "explorer-1", domain.UrgencyLow)
	in := env.bid(t, urgent.ID, "as-1")
	require.Equal(t, repo.Stamp(t0.Add(24*time.Hour)), urgent.ExpiresAt)

	res, err := env.Engine.ExpireDueRequests(env.Ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Requests, "expiry is strictly after ExpiresAt")

	now := env.Clock.Advance(25 * time.Hour)
	res, err = env.Engine.ExpireDueRequests(env.Ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requests)
	assert.Equal(t, 1, res.Interests)
	assert.Equal(t, []string{urgent.ID}, res.RequestIDs)

	got, err := env.Engine.GetRequest(env.Ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, "expired", *got.CancelReason)

	ins, err := env.Engine.ListInterests(env.Ctx, urgent.ID)
	require.NoError(t, err)
	require.Len(t, ins, 1)
	assert.Equal(t, in.ID, ins[0].ID)
	assert.Equal(t, domain.InterestExpired, ins[0].Status)

	again, err := env.Engine.ExpireDueRequests(env.Ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.Requests)
	assert.Zero(t, again.Interests)

	other, err := env.Engine.GetRequest(env.Ctx, relaxed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestActive, other.Status)

	_, err = env.Engine.SubmitInterest(env.Ctx, urgent.ID, "as-2", engine.Proposal{})
	assert.ErrorIs(t, err, domain.ErrRequestNotActive)

	notes, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.RequestExpired, RecipientID: "as-1"})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSubmitInterestRules(t *testing.T) {
	env := newTestEnv(t)
	req := env.post(t, "explorer-1", domain.UrgencyMedium)
	env.bid(t, req.ID, "as-1")

	_, err := env.Engine.SubmitInterest(env.Ctx, req.ID, "as-1", engine.Proposal{})
	assert.ErrorIs(t, err, domain.ErrDuplicateInterest)

	_, err = env.Engine.SubmitInterest(env.Ctx, req.ID, "explorer-1", engine.Proposal{})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = env.Engine.SubmitInterest(env.Ctx, req.ID, "as-2", engine.Proposal{ProposedPrice: ptr(int64(-5))})
	assert.ErrorAs(t, err, &ve)

	_, err = env.Engine.SubmitInterest(env.Ctx, "req_missing", "as-2", engine.Proposal{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err := env.Engine.MarkInterestsViewed(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = env.Engine.MarkInterestsViewed(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	notes, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.InterestReceived, RecipientID: "explorer-1"})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestAcceptInterestSecondAcceptanceFails(t *testing.T) {
	env := newTestEnv(t)
	req := env.post(t, "explorer-1", domain.UrgencyHigh)
	in1 := env.bid(t, req.ID, "as-1")
	in2 := env.bid(t, req.ID, "as-2")

	res, err := env.Engine.AcceptInterest(env.Ctx, req.ID, in1.ID, ptr(int64(250)))
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionActive, res.Connection.Status)
	assert.True(t, res.Connection.RequiresMutualConfirmation)
	assert.NotEmpty(t, res.ChatRoom)
	require.NotNil(t, res.Connection.AgreedPrice)
	assert.EqualValues(t, 250, *res.Connection.AgreedPrice)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, in2.ID, res.Rejected[0].ID)

	_, err = env.Engine.AcceptInterest(env.Ctx, req.ID, in2.ID, nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	assert.True(t, domain.IsStateConflict(err))

	ins, err := env.Engine.ListInterests(env.Ctx, req.ID)
	require.NoError(t, err)
	status := map[string]domain.InterestStatus{}
	for _, in := range ins {
		status[in.ID] = in.Status
	}
	assert.Equal(t, domain.InterestAccepted, status[in1.ID])
	assert.Equal(t, domain.InterestRejected, status[in2.ID])

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestInProgress, got.Status)
	require.NotNil(t, got.SelectedASID)
	assert.Equal(t, "as-1", *got.SelectedASID)

	assert.Len(t, env.Chat.Messages(res.ChatRoom), 1)
}

func TestConcurrentAcceptIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	req := env.post(t, "explorer-1", domain.UrgencyHigh)
	var bids []domain.ASInterest
	for _, as := range []string{"as-1", "as-2", "as-3", "as-4", "as-5"} {
		bids = append(bids, env.bid(t, req.ID, as))
	}

	errs := make([]error, len(bids))
	var g errgroup.Group
	for i, in := range bids {
		g.Go(func() error {
			_, errs[i] = env.Engine.AcceptInterest(env.Ctx, req.ID, in.ID, nil)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyAccepted)
	}
	assert.Equal(t, 1, wins)

	ins, err := env.Engine.ListInterests(env.Ctx, req.ID)
	require.NoError(t, err)
	accepted, rejected := 0, 0
	for _, in := range ins {
		switch in.Status {
		case domain.InterestAccepted:
			accepted++
		case domain.InterestRejected:
			rejected++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, len(bids)-1, rejected)

	conns, err := env.Engine.ListConnections(env.Ctx, "explorer-1", "")
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestChatRoomReusedForSamePair(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.inProgress(t, "explorer-1", "as-1")
	_, err := env.Engine.Cancel(env.Ctx, c1.ID, "changed plans")
	require.NoError(t, err)
	c2 := env.inProgress(t, "explorer-1", "as-1")
	assert.Equal(t, c1.ChatRoom, c2.ChatRoom)
	c3 := env.inProgress(t, "explorer-1", "as-2")
	assert.NotEqual(t, c1.ChatRoom, c3.ChatRoom)
}

func TestConfirmationCommutes(t *testing.T) {
	for _, order := range [][2]domain.Party{
		{domain.PartyExplorer, domain.PartyAS},
		{domain.PartyAS, domain.PartyExplorer},
	} {
		t.Run(string(order[0])+"_first", func(t *testing.T) {
			env := newTestEnv(t)
			c := env.inProgress(t, "explorer-1", "as-1")

			first, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, order[0], "done on my side")
			require.NoError(t, err)
			assert.False(t, first.BothConfirmed)
			assert.False(t, first.Completed)
			assert.Equal(t, domain.ConnectionInProgress, first.Status)

			second, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, order[1], "")
			require.NoError(t, err)
			assert.True(t, second.BothConfirmed)
			assert.True(t, second.Completed)
			assert.True(t, second.ExplorerConfirmed)
			assert.True(t, second.ASConfirmed)
			assert.Equal(t, domain.ConnectionCompleted, second.Status)
			assert.NotEmpty(t, second.ObligationID)

			st, err := env.Engine.GetConfirmationStatus(env.Ctx, c.ID)
			require.NoError(t, err)
			assert.True(t, st.BothConfirmed)
			assert.Equal(t, domain.ConnectionCompleted, st.Status)

			req, err := env.Engine.GetRequest(env.Ctx, *c.RequestID)
			require.NoError(t, err)
			assert.Equal(t, domain.RequestCompleted, req.Status)
		})
	}
}

func TestConfirmCompletionIdempotence(t *testing.T) {
	env := newTestEnv(t)
	c := env.inProgress(t, "explorer-1", "as-1")

	a, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyExplorer, "first")
	require.NoError(t, err)
	b, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyExplorer, "again")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	st, err := env.Engine.GetConfirmationStatus(env.Ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Explorer.Note)
	assert.Equal(t, "first", *st.Explorer.Note)
	assert.False(t, st.AS.Confirmed)

	_, err = env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyAS, "")
	require.NoError(t, err)
	_, err = env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyAS, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)
	_, err = env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyExplorer, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	_, err = env.Engine.ConfirmCompletion(env.Ctx, c.ID, "someone", "")
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestConcurrentConfirmCompletesOnce(t *testing.T) {
	for i := 0; i < 5; i++ {
		env := newTestEnv(t)
		c := env.inProgress(t, "explorer-1", "as-1")

		results := make([]engine.ConfirmationResult, 2)
		var g errgroup.Group
		for i, p := range []domain.Party{domain.PartyExplorer, domain.PartyAS} {
			g.Go(func() error {
				var err error
				results[i], err = env.Engine.ConfirmCompletion(env.Ctx, c.ID, p, "")
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.NotEqual(t, results[0].Completed, results[1].Completed, "exactly one call completes")

		got, err := env.Engine.GetConnection(env.Ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ConnectionCompleted, got.Status)

		obls, err := env.Engine.ListObligations(env.Ctx, "explorer-1", false)
		require.NoError(t, err)
		assert.Len(t, obls, 1)
	}
}

func TestConnectionStateMachine(t *testing.T) {
	env := newTestEnv(t)
	req := env.post(t, "explorer-1", domain.UrgencyHigh)
	in := env.bid(t, req.ID, "as-1")
	res, err := env.Engine.AcceptInterest(env.Ctx, req.ID, in.ID, nil)
	require.NoError(t, err)
	id := res.Connection.ID

	_, err = env.Engine.ConfirmCompletion(env.Ctx, id, domain.PartyExplorer, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState, "confirmation needs a started service")

	c, err := env.Engine.MarkInProgress(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionInProgress, c.Status)
	assert.NotNil(t, c.StartedAt)
	_, err = env.Engine.MarkInProgress(env.Ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	c, err = env.Engine.Cancel(env.Ctx, id, "no show")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionCancelled, c.Status)
	require.NotNil(t, c.CancelReason)
	assert.Equal(t, "no show", *c.CancelReason)

	_, err = env.Engine.Cancel(env.Ctx, id, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = env.Engine.ConfirmCompletion(env.Ctx, id, domain.PartyAS, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, got.Status)
	assert.Nil(t, got.SelectedASID)

	_, err = env.Engine.Cancel(env.Ctx, "conn_missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDirectConnectionSingleConfirmation(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateDirectConnection(env.Ctx, "explorer-1", "as-1", ptr(int64(80)), false)
	require.NoError(t, err)
	assert.Nil(t, c.RequestID)
	assert.False(t, c.RequiresMutualConfirmation)

	_, err = env.Engine.MarkInProgress(env.Ctx, c.ID)
	require.NoError(t, err)
	res, err := env.Engine.ConfirmCompletion(env.Ctx, c.ID, domain.PartyAS, "paid in cash")
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.True(t, res.ExplorerConfirmed)
	assert.True(t, res.ASConfirmed)

	_, err = env.Engine.CreateDirectConnection(env.Ctx, "explorer-1", "explorer-1", nil, true)
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestReviewObligationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SetDisplayName(env.Ctx, "as-1", "Rosa Plumbing")
	require.NoError(t, err)
	c, o := env.complete(t, "explorer-1", "as-1")

	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, repo.Stamp(t0), *c.CompletedAt)
	assert.Equal(t, repo.Stamp(t0.Add(7*24*time.Hour)), o.ReviewDueAt)
	assert.False(t, o.IsReviewed)
	assert.False(t, o.IsBlockingNewServices)

	st, err := env.Engine.GetBlockingStatus(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)

	now := env.Clock.Advance(8 * 24 * time.Hour)
	sweep, err := env.Engine.SweepOverdue(env.Ctx, now)
	require.NoError(t, err)
	assert.Equal(t, engine.SweepResult{Overdue: 1, NewlyBlocking: 1, Reminders: 1}, sweep)

	o, err = env.Engine.GetObligation(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, o.IsBlockingNewServices)
	assert.Equal(t, 1, o.ReminderCount)

	st, err = env.Engine.GetBlockingStatus(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)
	assert.Equal(t, 1, st.BlockingCount)
	assert.Equal(t, []string{"Rosa Plumbing"}, st.PendingCounterpartNames)

	_, err = env.Engine.CreateRequest(env.Ctx, "explorer-1", engine.RequestSpec{CategoryID: "c", Locality: "x", Urgency: domain.UrgencyLow})
	var ab *domain.ActivityBlockedError
	require.ErrorAs(t, err, &ab)
	assert.Len(t, ab.Reasons, 1)

	rv, err := env.Engine.SubmitReview(env.Ctx, o.ID, engine.ReviewPayload{Rating: 5, Comment: "fixed the leak fast"})
	require.NoError(t, err)
	assert.Equal(t, "explorer-1", rv.ReviewerID)
	assert.Equal(t, "as-1", rv.RevieweeID)

	o, err = env.Engine.GetObligation(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, o.IsReviewed)
	assert.False(t, o.IsBlockingNewServices)

	st, err = env.Engine.GetBlockingStatus(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked)

	_, err = env.Engine.SubmitReview(env.Ctx, o.ID, engine.ReviewPayload{Rating: 4, Comment: "again"})
	assert.ErrorIs(t, err, domain.ErrAlreadyReviewed)

	reviews, err := env.Engine.ListReviews(env.Ctx, "as-1")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, rv.ID, reviews[0].ID)
}

func TestBlockingWithoutSweep(t *testing.T) {
	env := newTestEnv(t)
	_, o := env.complete(t, "explorer-1", "as-1")

	env.Clock.Advance(7 * 24 * time.Hour)
	st, err := env.Engine.GetBlockingStatus(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.False(t, st.IsBlocked, "due time itself is not overdue")

	env.Clock.Advance(time.Second)
	st, err = env.Engine.GetBlockingStatus(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.True(t, st.IsBlocked)

	got, err := env.Engine.GetObligation(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBlockingNewServices, "obligation reads agree with blocking status before any sweep")
	pending, err := env.Engine.ListObligations(env.Ctx, "explorer-1", true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsBlockingNewServices)
	require.Len(t, st.Reasons, 1)
	assert.Equal(t, o.ID, st.Reasons[0].ObligationID)
	assert.Equal(t, domain.ReasonReviewOverdue, st.Reasons[0].Kind)
}

func TestSweepReminderCap(t *testing.T) {
	env := newTestEnv(t)
	_, o := env.complete(t, "explorer-1", "as-1")

	now := env.Clock.Advance(8 * 24 * time.Hour)
	_, err := env.Engine.SweepOverdue(env.Ctx, now)
	require.NoError(t, err)

	res, err := env.Engine.SweepOverdue(env.Ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, engine.SweepResult{Overdue: 1}, res, "reminders are spaced")

	for i := 0; i < 5; i++ {
		now = env.Clock.Advance(24 * time.Hour)
		_, err := env.Engine.SweepOverdue(env.Ctx, now)
		require.NoError(t, err)
	}
	o, err = env.Engine.GetObligation(env.Ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, o.ReminderCount)
	assert.True(t, o.IsBlockingNewServices)

	reminders, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.ReviewReminder, RecipientID: "explorer-1"})
	require.NoError(t, err)
	assert.Len(t, reminders, 3)
}

func TestSubmitReviewValidation(t *testing.T) {
	env := newTestEnv(t)
	_, o := env.complete(t, "explorer-1", "as-1")
	for _, p := range []engine.ReviewPayload{
		{Rating: 0, Comment: "ok"},
		{Rating: 6, Comment: "ok"},
		{Rating: 3, Comment: "   "},
	} {
		_, err := env.Engine.SubmitReview(env.Ctx, o.ID, p)
		var ve *domain.ValidationError
		assert.ErrorAs(t, err, &ve, "%+v", p)
	}
	_, err := env.Engine.SubmitReview(env.Ctx, o.ID, engine.ReviewPayload{ReviewerID: "as-1", Rating: 5, Comment: "self praise"})
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
}

func TestSwitchBlockedByServiceInProgress(t *testing.T) {
	env := newTestEnv(t)
	c := env.inProgress(t, "explorer-1", "as-1")

	check, err := env.Engine.CanSwitch(env.Ctx, "explorer-1", domain.RoleProvider)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	require.Len(t, check.Reasons, 1)
	assert.Equal(t, domain.ReasonServiceInProgress, check.Reasons[0].Kind)
	assert.Equal(t, c.ID, check.Reasons[0].ConnectionID)

	_, err = env.Engine.Switch(env.Ctx, "explorer-1", domain.RoleProvider, "want to offer services")
	var blocked *domain.SwitchBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, check.Reasons, blocked.Reasons)

	st, err := env.Engine.GetRoleState(env.Ctx, "explorer-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleClient, st.ActiveRole)
	assert.Empty(t, st.History)

	notes, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.RoleSwitchBlocked, RecipientID: "explorer-1"})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSwitchRole(t *testing.T) {
	env := newTestEnv(t)
	st, err := env.Engine.Switch(env.Ctx, "user-1", domain.RoleProvider, "start offering")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, st.ActiveRole)
	require.Len(t, st.History, 1)
	assert.Equal(t, domain.RoleClient, st.History[0].FromRole)

	again, err := env.Engine.Switch(env.Ctx, "user-1", domain.RoleProvider, "")
	require.NoError(t, err)
	assert.Len(t, again.History, 1, "same role is a no-op")

	_, err = env.Engine.Switch(env.Ctx, "user-1", "admin", "")
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSwitchBlockedByOverdueReview(t *testing.T) {
	env := newTestEnv(t)
	_, o := env.complete(t, "explorer-1", "as-1")
	env.Clock.Advance(8 * 24 * time.Hour)

	_, err := env.Engine.Switch(env.Ctx, "explorer-1", domain.RoleProvider, "")
	var blocked *domain.SwitchBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.Reasons, 1)
	assert.Equal(t, o.ID, blocked.Reasons[0].ObligationID)

	_, err = env.Engine.SubmitReview(env.Ctx, o.ID, engine.ReviewPayload{Rating: 4, Comment: "good"})
	require.NoError(t, err)
	st, err := env.Engine.Switch(env.Ctx, "explorer-1", domain.RoleProvider, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, st.ActiveRole)
}

func TestSwitchRacesWithStart(t *testing.T) {
	for i := 0; i < 5; i++ {
		env := newTestEnv(t)
		req := env.post(t, "explorer-1", domain.UrgencyHigh)
		in := env.bid(t, req.ID, "as-1")
		res, err := env.Engine.AcceptInterest(env.Ctx, req.ID, in.ID, nil)
		require.NoError(t, err)

		var (
			g         errgroup.Group
			switchErr error
		)
		g.Go(func() error {
			_, err := env.Engine.MarkInProgress(env.Ctx, res.Connection.ID)
			return err
		})
		g.Go(func() error {
			_, switchErr = env.Engine.Switch(env.Ctx, "as-1", domain.RoleProvider, "")
			return nil
		})
		require.NoError(t, g.Wait())

		st, err := env.Engine.GetRoleState(env.Ctx, "as-1")
		require.NoError(t, err)
		if switchErr == nil {
			// The switch committed first; its history row predates the start.
			require.Len(t, st.History, 1)
			c, err := env.Engine.GetConnection(env.Ctx, res.Connection.ID)
			require.NoError(t, err)
			require.NotNil(t, c.StartedAt)
			assert.LessOrEqual(t, st.History[0].CreatedAt, *c.StartedAt)
		} else {
			var blocked *domain.SwitchBlockedError
			require.True(t, errors.As(switchErr, &blocked))
			assert.Equal(t, domain.RoleClient, st.ActiveRole)
		}
	}
}

func TestCancelRequestByOwner(t *testing.T) {
	env := newTestEnv(t)
	req := env.post(t, "explorer-1", domain.UrgencyMedium)
	env.bid(t, req.ID, "as-1")

	_, err := env.Engine.CancelRequest(env.Ctx, req.ID, "as-1", "")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	got, err := env.Engine.CancelRequest(env.Ctx, req.ID, "explorer-1", "found someone else")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, got.Status)

	_, err = env.Engine.CancelRequest(env.Ctx, req.ID, "explorer-1", "")
	assert.ErrorIs(t, err, domain.ErrRequestNotActive)

	ins, err := env.Engine.ListInterests(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InterestExpired, ins[0].Status)

	list, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{ExplorerID: "explorer-1", Status: string(domain.RequestCancelled)})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreateAPIKeyForUnseenUser(t *testing.T) {
	env := newTestEnv(t)

	issued, err := env.Engine.CreateAPIKey(env.Ctx, "newcomer", "cli")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.Key)
	assert.Equal(t, t0.Format(time.RFC3339), issued.CreatedAt)

	u, err := env.Engine.Repo.GetUser(env.Ctx, nil, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleClient, u.ActiveRole)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(issued.Key))
	require.NoError(t, err)
	assert.Equal(t, issued.ID, stored.ID)
	assert.Equal(t, "newcomer", stored.UserID)

	_, err = env.Engine.CreateAPIKey(env.Ctx, "  ", "")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestEnforcedActiveRole(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Policy.EnforceActiveRole = true
	spec := engine.RequestSpec{CategoryID: "plumbing", Locality: "centro", Urgency: domain.UrgencyLow}

	req, err := env.Engine.CreateRequest(env.Ctx, "explorer-1", spec)
	require.NoError(t, err, "new users act as clients")

	_, err = env.Engine.SubmitInterest(env.Ctx, req.ID, "as-1", engine.Proposal{})
	require.ErrorIs(t, err, domain.ErrWrongRole)

	_, err = env.Engine.Switch(env.Ctx, "as-1", domain.RoleProvider, "")
	require.NoError(t, err)
	_, err = env.Engine.SubmitInterest(env.Ctx, req.ID, "as-1", engine.Proposal{})
	require.NoError(t, err)

	_, err = env.Engine.CreateRequest(env.Ctx, "as-1", spec)
	require.ErrorIs(t, err, domain.ErrWrongRole)

	env.Engine.Config.Policy.EnforceActiveRole = false
	_, err = env.Engine.CreateRequest(env.Ctx, "as-1", spec)
	require.NoError(t, err)
}
