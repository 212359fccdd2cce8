package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"servimatch/internal/domain"
	"servimatch/internal/engine/auth"
	"servimatch/internal/events"
	"servimatch/internal/repo"
)

// OnServiceCompleted opens the explorer's review obligation for a completed
// connection. A second call for the same connection returns the existing
// obligation.
func (e Engine) OnServiceCompleted(ctx context.Context, tx *sql.Tx, connectionID, explorerID, asID string) (domain.ReviewObligation, error) {
	completedAt := e.now().Truncate(time.Second)
	stamp := repo.Stamp(completedAt)
	o := domain.ReviewObligation{
		ID:                 newID("obl"),
		ConnectionID:       connectionID,
		ExplorerID:         explorerID,
		ASID:               asID,
		ServiceCompletedAt: stamp,
		ReviewDueAt:        repo.Stamp(completedAt.Add(e.Config.Policy.ReviewWindow)),
		CreatedAt:          stamp,
	}
	inserted, err := e.Repo.InsertObligation(ctx, tx, o)
	if err != nil {
		return domain.ReviewObligation{}, fmt.Errorf("insert obligation: %w", err)
	}
	if !inserted {
		return e.Repo.GetObligationByConnection(ctx, tx, connectionID)
	}
	if err := e.Events.Notify(ctx, tx, explorerID, events.ObligationCreated, "obligation", o.ID, events.SystemActor,
		events.EventPayload{"connection_id": connectionID, "as_id": asID, "review_due_at": o.ReviewDueAt}); err != nil {
		return domain.ReviewObligation{}, err
	}
	return o, nil
}

// SweepResult summarises one overdue-obligation sweep.
type SweepResult struct {
	Overdue       int `json:"overdue"`
	NewlyBlocking int `json:"newly_blocking"`
	Reminders     int `json:"reminders"`
}

// SweepOverdue flags every unreviewed obligation past its due time as
// blocking and sends a reminder when one is due. Reminders stop after
// max_reminders and are spaced by reminder_interval, so the sweep can run at
// any cadence.
func (e Engine) SweepOverdue(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	stamp := repo.Stamp(now)
	policy := e.Config.Policy
	err := e.withTx(ctx, "sweep_obligations", func(tx *sql.Tx) error {
		res = SweepResult{}
		overdue, err := e.Repo.OverdueObligations(ctx, tx, stamp, 0)
		if err != nil {
			return err
		}
		res.Overdue = len(overdue)
		for _, o := range overdue {
			remind := o.ReminderCount < policy.MaxReminders && reminderDue(o, now, policy.ReminderInterval)
			if !remind && o.IsBlockingNewServices {
				continue
			}
			if err := e.Repo.FlagOverdue(ctx, tx, o.ID, remind, stamp); err != nil {
				return err
			}
			if !o.IsBlockingNewServices {
				res.NewlyBlocking++
				if err := e.Events.Notify(ctx, tx, o.ExplorerID, events.ReviewBlocking, "obligation", o.ID, events.SystemActor,
					events.EventPayload{"connection_id": o.ConnectionID, "review_due_at": o.ReviewDueAt}); err != nil {
					return err
				}
			}
			if remind {
				res.Reminders++
				if err := e.Events.Notify(ctx, tx, o.ExplorerID, events.ReviewReminder, "obligation", o.ID, events.SystemActor,
					events.EventPayload{"as_id": o.ASID, "reminder": o.ReminderCount + 1, "max_reminders": policy.MaxReminders}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return res, err
}

func reminderDue(o domain.ReviewObligation, now time.Time, interval time.Duration) bool {
	if o.LastReminderAt == nil {
		return true
	}
	last, err := parseStamp(*o.LastReminderAt)
	if err != nil {
		return true
	}
	return !now.Before(last.Add(interval))
}

// ReviewPayload is the explorer's review of the AS. ReviewerID is optional;
// when set it must be the explorer owing the review.
type ReviewPayload struct {
	ReviewerID string `json:"reviewer_id,omitempty"`
	Rating     int    `json:"rating" validate:"gte=1,lte=5"`
	Comment    string `json:"comment" validate:"notblank,max=2000"`
}

func (e Engine) SubmitReview(ctx context.Context, obligationID string, p ReviewPayload) (domain.Review, error) {
	if err := validatePayload(p); err != nil {
		return domain.Review{}, err
	}
	var rv domain.Review
	err := e.withTx(ctx, "submit_review", func(tx *sql.Tx) error {
		o, err := e.Repo.GetObligation(ctx, tx, obligationID)
		if err != nil {
			return fmt.Errorf("obligation %s: %w", obligationID, err)
		}
		if p.ReviewerID != "" {
			if err := auth.RequireReviewer(o, p.ReviewerID); err != nil {
				return err
			}
		}
		if o.IsReviewed {
			return fmt.Errorf("%w: obligation %s", domain.ErrAlreadyReviewed, obligationID)
		}
		stamp := e.stamp()
		rv = domain.Review{
			ID:           newID("rev"),
			ObligationID: o.ID,
			ConnectionID: o.ConnectionID,
			ReviewerID:   o.ExplorerID,
			RevieweeID:   o.ASID,
			Rating:       p.Rating,
			Comment:      strings.TrimSpace(p.Comment),
			CreatedAt:    stamp,
		}
		ok, err := e.Repo.MarkReviewed(ctx, tx, o.ID, rv.ID, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: obligation %s", domain.ErrAlreadyReviewed, obligationID)
		}
		if err := e.Repo.InsertReview(ctx, tx, rv); err != nil {
			return fmt.Errorf("insert review: %w", err)
		}
		return e.Events.Notify(ctx, tx, o.ASID, events.ReviewSubmitted, "review", rv.ID, o.ExplorerID,
			events.EventPayload{"obligation_id": o.ID, "rating": rv.Rating})
	})
	if err != nil {
		return domain.Review{}, err
	}
	return rv, nil
}

// BlockingStatus aggregates the user's overdue review obligations.
type BlockingStatus struct {
	UserID                  string                  `json:"user_id"`
	IsBlocked               bool                    `json:"is_blocked"`
	BlockingCount           int                     `json:"blocking_count"`
	PendingCounterpartNames []string                `json:"pending_counterpart_names"`
	Reasons                 []domain.BlockingReason `json:"reasons"`
}

// GetBlockingStatus evaluates blocking against the clock, so an obligation
// blocks from the moment it is overdue even before a sweep flags it.
func (e Engine) GetBlockingStatus(ctx context.Context, userID string) (BlockingStatus, error) {
	reasons, err := e.overdueReasons(ctx, nil, userID, e.now())
	if err != nil {
		return BlockingStatus{}, e.read("blocking_status", err)
	}
	st := BlockingStatus{
		UserID:                  userID,
		IsBlocked:               len(reasons) > 0,
		BlockingCount:           len(reasons),
		PendingCounterpartNames: []string{},
		Reasons:                 reasons,
	}
	seen := map[string]bool{}
	for _, r := range reasons {
		if !seen[r.CounterpartName] {
			seen[r.CounterpartName] = true
			st.PendingCounterpartNames = append(st.PendingCounterpartNames, r.CounterpartName)
		}
	}
	return st, nil
}

func (e Engine) overdueReasons(ctx context.Context, tx *sql.Tx, userID string, now time.Time) ([]domain.BlockingReason, error) {
	obls, err := e.Repo.BlockingObligations(ctx, tx, userID, repo.Stamp(now))
	if err != nil {
		return nil, err
	}
	reasons := []domain.BlockingReason{}
	if len(obls) == 0 {
		return reasons, nil
	}
	ids := make([]string, 0, len(obls))
	for _, o := range obls {
		ids = append(ids, o.ASID)
	}
	names, err := e.Repo.UserNames(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range obls {
		reasons = append(reasons, domain.BlockingReason{
			Kind:            domain.ReasonReviewOverdue,
			ConnectionID:    o.ConnectionID,
			ObligationID:    o.ID,
			CounterpartID:   o.ASID,
			CounterpartName: names[o.ASID],
			ReviewDueAt:     o.ReviewDueAt,
		})
	}
	return reasons, nil
}

// ListObligations and GetObligation report blocking as of the clock; the
// stored flag is only refreshed by the sweep.
func (e Engine) ListObligations(ctx context.Context, userID string, pendingOnly bool) ([]domain.ReviewObligation, error) {
	res, err := e.Repo.ListObligations(ctx, nil, userID, pendingOnly)
	if err != nil {
		return nil, e.read("list_obligations", err)
	}
	now := e.now()
	for i := range res {
		res[i].IsBlockingNewServices = res[i].BlockingAt(now)
	}
	return res, nil
}

func (e Engine) GetObligation(ctx context.Context, id string) (domain.ReviewObligation, error) {
	o, err := e.Repo.GetObligation(ctx, nil, id)
	if err != nil {
		return o, fmt.Errorf("obligation %s: %w", id, e.read("get_obligation", err))
	}
	o.IsBlockingNewServices = o.BlockingAt(e.now())
	return o, nil
}

// ListReviews returns the reviews an AS has received.
func (e Engine) ListReviews(ctx context.Context, revieweeID string) ([]domain.Review, error) {
	res, err := e.Repo.ListReviewsFor(ctx, revieweeID)
	return res, e.read("list_reviews", err)
}

// GetReview is a plain lookup by id.
func (e Engine) GetReview(ctx context.Context, id string) (domain.Review, error) {
	rv, err := e.Repo.GetReview(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return rv, fmt.Errorf("review %s: %w", id, err)
	}
	return rv, e.read("get_review", err)
}
