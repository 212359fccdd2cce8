package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"servimatch/internal/domain"
	"servimatch/internal/events"
	"servimatch/internal/repo"
)

// Proposal is an AS's bid on a request.
type Proposal struct {
	ProposedPrice *int64 `json:"proposed_price,omitempty" validate:"omitempty,gte=0"`
	Message       string `json:"message,omitempty" validate:"max=2000"`
}

func (e Engine) SubmitInterest(ctx context.Context, requestID, asID string, p Proposal) (domain.ASInterest, error) {
	if strings.TrimSpace(asID) == "" {
		return domain.ASInterest{}, domain.Invalid("as_id", "is required")
	}
	if err := validatePayload(p); err != nil {
		return domain.ASInterest{}, err
	}
	var in domain.ASInterest
	err := e.withTx(ctx, "submit_interest", func(tx *sql.Tx) error {
		req, err := e.Repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			return fmt.Errorf("request %s: %w", requestID, err)
		}
		if req.Status != domain.RequestActive {
			return fmt.Errorf("%w: request %s is %s", domain.ErrRequestNotActive, requestID, req.Status)
		}
		if req.ExplorerID == asID {
			return domain.Invalid("as_id", "cannot bid on own request")
		}
		if err := e.requireRole(ctx, tx, asID, domain.RoleProvider); err != nil {
			return err
		}
		live, err := e.Repo.HasLiveInterest(ctx, tx, requestID, asID)
		if err != nil {
			return err
		}
		if live {
			return fmt.Errorf("%w: %s already bid on request %s", domain.ErrDuplicateInterest, asID, requestID)
		}
		stamp := e.stamp()
		if err := e.Repo.EnsureUser(ctx, tx, asID, stamp); err != nil {
			return err
		}
		in = domain.ASInterest{
			ID:            newID("int"),
			RequestID:     requestID,
			ASID:          asID,
			ProposedPrice: p.ProposedPrice,
			Message:       p.Message,
			Status:        domain.InterestPending,
			CreatedAt:     stamp,
			UpdatedAt:     stamp,
		}
		if err := e.Repo.InsertInterest(ctx, tx, in); err != nil {
			return fmt.Errorf("insert interest: %w", err)
		}
		payload := events.EventPayload{"request_id": requestID, "interest_id": in.ID, "as_id": asID}
		if in.ProposedPrice != nil {
			payload["proposed_price"] = *in.ProposedPrice
		}
		return e.Events.Notify(ctx, tx, req.ExplorerID, events.InterestReceived, "interest", in.ID, asID, payload)
	})
	if err != nil {
		return domain.ASInterest{}, err
	}
	return in, nil
}

// AcceptResult is the outcome of a successful acceptance.
type AcceptResult struct {
	Connection domain.Connection   `json:"connection"`
	ChatRoom   string              `json:"chat_room"`
	Rejected   []domain.ASInterest `json:"rejected,omitempty"`
}

// AcceptInterest picks the winning bid. The whole acceptance commits in one
// transaction: accept, reject siblings, close the request, open the
// connection. A caller that lost the race gets ErrAlreadyAccepted and should
// re-read the request instead of retrying.
func (e Engine) AcceptInterest(ctx context.Context, requestID, interestID string, finalPrice *int64) (AcceptResult, error) {
	if finalPrice != nil && *finalPrice < 0 {
		return AcceptResult{}, domain.Invalid("final_price", "must be at least 0")
	}
	var res AcceptResult
	err := e.withTx(ctx, "accept_interest", func(tx *sql.Tx) error {
		res = AcceptResult{}
		req, err := e.Repo.GetRequest(ctx, tx, requestID)
		if err != nil {
			return fmt.Errorf("request %s: %w", requestID, err)
		}
		in, err := e.Repo.GetInterest(ctx, tx, interestID)
		if err != nil {
			return fmt.Errorf("interest %s: %w", interestID, err)
		}
		if in.RequestID != requestID {
			return fmt.Errorf("interest %s on request %s: %w", interestID, requestID, domain.ErrNotFound)
		}
		if req.Status != domain.RequestActive || in.Status != domain.InterestPending {
			return e.acceptConflict(ctx, tx, req, in)
		}

		stamp := e.stamp()
		ok, err := e.Repo.AcceptInterest(ctx, tx, interestID, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: interest %s is no longer pending", domain.ErrAlreadyAccepted, interestID)
		}
		rejected, err := e.Repo.RejectPendingSiblings(ctx, tx, requestID, interestID, stamp)
		if err != nil {
			return err
		}
		if err := e.CloseOnAcceptance(ctx, tx, requestID, in.ASID); err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				return fmt.Errorf("%w: %v", domain.ErrAlreadyAccepted, err)
			}
			return err
		}
		price := finalPrice
		if price == nil {
			price = in.ProposedPrice
		}
		conn, err := e.CreateFromAcceptance(ctx, tx, req.ExplorerID, in.ASID, requestID, price)
		if err != nil {
			return err
		}

		payload := events.EventPayload{"request_id": requestID, "interest_id": interestID, "connection_id": conn.ID, "chat_room": conn.ChatRoom}
		if err := e.Events.Notify(ctx, tx, in.ASID, events.InterestAccepted, "interest", interestID, req.ExplorerID, payload); err != nil {
			return err
		}
		for _, r := range rejected {
			if err := e.Events.Notify(ctx, tx, r.ASID, events.InterestRejected, "interest", r.ID, req.ExplorerID,
				events.EventPayload{"request_id": requestID, "interest_id": r.ID}); err != nil {
				return err
			}
		}
		res = AcceptResult{Connection: conn, ChatRoom: conn.ChatRoom, Rejected: rejected}
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	e.announce(ctx, res.ChatRoom, "Interest accepted. You are now connected.")
	return res, nil
}

// acceptConflict explains why a request or interest can no longer be
// accepted.
func (e Engine) acceptConflict(ctx context.Context, tx *sql.Tx, req domain.ServiceRequest, in domain.ASInterest) error {
	winner, err := e.Repo.AcceptedInterest(ctx, tx, req.ID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: request %s went to interest %s", domain.ErrAlreadyAccepted, req.ID, winner.ID)
	case !errors.Is(err, repo.ErrNotFound):
		return err
	}
	if req.Status != domain.RequestActive {
		return fmt.Errorf("%w: request %s is %s", domain.ErrRequestNotActive, req.ID, req.Status)
	}
	return fmt.Errorf("%w: interest %s is %s", domain.ErrInvalidState, in.ID, in.Status)
}

func (e Engine) ListInterests(ctx context.Context, requestID string) ([]domain.ASInterest, error) {
	if _, err := e.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListInterests(ctx, nil, requestID)
	return res, e.read("list_interests", err)
}

func (e Engine) ListInterestsByAS(ctx context.Context, asID string) ([]domain.ASInterest, error) {
	res, err := e.Repo.ListInterestsByAS(ctx, asID)
	return res, e.read("list_interests", err)
}

// MarkInterestsViewed flags every interest on the request as seen by the
// explorer and returns how many changed.
func (e Engine) MarkInterestsViewed(ctx context.Context, requestID string) (int64, error) {
	var n int64
	err := e.withTx(ctx, "mark_interests_viewed", func(tx *sql.Tx) error {
		var err error
		n, err = e.Repo.MarkInterestsViewed(ctx, tx, requestID)
		return err
	})
	return n, err
}
