package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"servimatch/internal/domain"
	"servimatch/internal/engine/auth"
	"servimatch/internal/events"
	"servimatch/internal/repo"
)

// RequestSpec is what an explorer submits when posting a request.
type RequestSpec struct {
	CategoryID    string         `json:"category_id" validate:"notblank"`
	Locality      string         `json:"locality" validate:"notblank"`
	Urgency       domain.Urgency `json:"urgency" validate:"required,oneof=low medium high emergency"`
	Title         string         `json:"title,omitempty" validate:"max=200"`
	Description   string         `json:"description,omitempty" validate:"max=4000"`
	BudgetMin     *int64         `json:"budget_min,omitempty" validate:"omitempty,gte=0"`
	BudgetMax     *int64         `json:"budget_max,omitempty" validate:"omitempty,gte=0"`
	PreferredDate string         `json:"preferred_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PreferredTime string         `json:"preferred_time,omitempty" validate:"omitempty,datetime=15:04"`
}

// CreateRequest posts a new request. Its expiry is fixed here from the
// urgency tier and never moves afterwards.
func (e Engine) CreateRequest(ctx context.Context, explorerID string, spec RequestSpec) (domain.ServiceRequest, error) {
	if strings.TrimSpace(explorerID) == "" {
		return domain.ServiceRequest{}, domain.Invalid("explorer_id", "is required")
	}
	if err := validatePayload(spec); err != nil {
		return domain.ServiceRequest{}, err
	}
	if spec.BudgetMin != nil && spec.BudgetMax != nil && *spec.BudgetMin > *spec.BudgetMax {
		return domain.ServiceRequest{}, domain.Invalid("budget_min", "must not exceed budget_max")
	}
	horizon, ok := e.Config.Horizon(spec.Urgency)
	if !ok {
		return domain.ServiceRequest{}, domain.Invalid("urgency", "has no expiry horizon configured")
	}

	var req domain.ServiceRequest
	err := e.withTx(ctx, "create_request", func(tx *sql.Tx) error {
		now := e.now()
		stamp := repo.Stamp(now)
		if err := e.Repo.EnsureUser(ctx, tx, explorerID, stamp); err != nil {
			return err
		}
		if err := e.requireRole(ctx, tx, explorerID, domain.RoleClient); err != nil {
			return err
		}
		if e.Config.Policy.BlockNewRequests {
			reasons, err := e.overdueReasons(ctx, tx, explorerID, now)
			if err != nil {
				return err
			}
			if len(reasons) > 0 {
				return &domain.ActivityBlockedError{UserID: explorerID, Reasons: reasons}
			}
		}
		req = domain.ServiceRequest{
			ID:            newID("req"),
			ExplorerID:    explorerID,
			CategoryID:    strings.TrimSpace(spec.CategoryID),
			Locality:      strings.TrimSpace(spec.Locality),
			Urgency:       spec.Urgency,
			Title:         spec.Title,
			Description:   spec.Description,
			BudgetMin:     spec.BudgetMin,
			BudgetMax:     spec.BudgetMax,
			PreferredDate: optionalString(spec.PreferredDate),
			PreferredTime: optionalString(spec.PreferredTime),
			Status:        domain.RequestActive,
			ExpiresAt:     repo.Stamp(now.Add(horizon)),
			CreatedAt:     stamp,
			UpdatedAt:     stamp,
		}
		if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		return e.Events.Append(ctx, tx, events.RequestCreated, "request", req.ID, explorerID, events.EventPayload{
			"urgency":    req.Urgency,
			"expires_at": req.ExpiresAt,
		})
	})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return req, nil
}

func (e Engine) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	req, err := e.Repo.GetRequest(ctx, nil, id)
	if err != nil {
		return req, fmt.Errorf("request %s: %w", id, e.read("get_request", err))
	}
	return req, nil
}

func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.ServiceRequest, error) {
	if f.Status != "" {
		switch domain.RequestStatus(f.Status) {
		case domain.RequestActive, domain.RequestInProgress, domain.RequestCompleted, domain.RequestCancelled:
		default:
			return nil, domain.Invalid("status", "is not a request status")
		}
	}
	res, err := e.Repo.ListRequests(ctx, f)
	return res, e.read("list_requests", err)
}

// ExpiryResult summarises one request expiry sweep.
type ExpiryResult struct {
	Requests   int      `json:"requests"`
	Interests  int      `json:"interests"`
	RequestIDs []string `json:"request_ids,omitempty"`
}

const sweepBatch = 200

// ExpireDueRequests cancels every active request whose expiry is before now
// and expires the pending interests on it. Running it again changes nothing.
func (e Engine) ExpireDueRequests(ctx context.Context, now time.Time) (ExpiryResult, error) {
	var total ExpiryResult
	stamp := repo.Stamp(now)
	for {
		var batch ExpiryResult
		err := e.withTx(ctx, "expire_requests", func(tx *sql.Tx) error {
			batch = ExpiryResult{}
			due, err := e.Repo.DueRequests(ctx, tx, stamp, sweepBatch)
			if err != nil {
				return err
			}
			for _, req := range due {
				n, err := e.expireRequest(ctx, tx, req, stamp)
				if err != nil {
					return err
				}
				if n < 0 {
					continue
				}
				batch.Requests++
				batch.Interests += n
				batch.RequestIDs = append(batch.RequestIDs, req.ID)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total.Requests += batch.Requests
		total.Interests += batch.Interests
		total.RequestIDs = append(total.RequestIDs, batch.RequestIDs...)
		if batch.Requests < sweepBatch {
			return total, nil
		}
	}
}

// expireRequest returns the number of interests it expired, or -1 when the
// request was no longer active.
func (e Engine) expireRequest(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest, stamp string) (int, error) {
	ok, err := e.Repo.CancelActiveRequest(ctx, tx, req.ID, "expired", stamp)
	if err != nil || !ok {
		return -1, err
	}
	expired, err := e.Repo.ExpirePendingInterests(ctx, tx, req.ID, stamp)
	if err != nil {
		return -1, err
	}
	payload := events.EventPayload{"request_id": req.ID, "expires_at": req.ExpiresAt, "interests_expired": len(expired)}
	if err := e.Events.Notify(ctx, tx, req.ExplorerID, events.RequestExpired, "request", req.ID, events.SystemActor, payload); err != nil {
		return -1, err
	}
	for _, in := range expired {
		if err := e.Events.Notify(ctx, tx, in.ASID, events.RequestExpired, "interest", in.ID, events.SystemActor,
			events.EventPayload{"request_id": req.ID, "interest_id": in.ID}); err != nil {
			return -1, err
		}
	}
	return len(expired), nil
}

// CloseOnAcceptance hands an active request to asID. It only runs inside the
// acceptance transaction.
func (e Engine) CloseOnAcceptance(ctx context.Context, tx *sql.Tx, requestID, asID string) error {
	ok, err := e.Repo.CloseRequest(ctx, tx, requestID, asID, e.stamp())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %s is not active", domain.ErrInvalidState, requestID)
	}
	return nil
}

// CancelRequest withdraws an active request on behalf of its explorer.
func (e Engine) CancelRequest(ctx context.Context, requestID, explorerID, reason string) (domain.ServiceRequest, error) {
	var req domain.ServiceRequest
	err := e.withTx(ctx, "cancel_request", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			return fmt.Errorf("request %s: %w", requestID, err)
		}
		if err := auth.RequireRequestOwner(cur, explorerID); err != nil {
			return err
		}
		stamp := e.stamp()
		if reason == "" {
			reason = "cancelled by explorer"
		}
		ok, err := e.Repo.CancelActiveRequest(ctx, tx, requestID, reason, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: request %s is %s", domain.ErrRequestNotActive, requestID, cur.Status)
		}
		expired, err := e.Repo.ExpirePendingInterests(ctx, tx, requestID, stamp)
		if err != nil {
			return err
		}
		for _, in := range expired {
			if err := e.Events.Notify(ctx, tx, in.ASID, events.RequestCancelled, "interest", in.ID, explorerID,
				events.EventPayload{"request_id": requestID, "reason": reason}); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, events.RequestCancelled, "request", requestID, explorerID, events.EventPayload{"reason": reason}); err != nil {
			return err
		}
		req, err = e.Repo.GetRequest(ctx, tx, requestID)
		return err
	})
	return req, err
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
