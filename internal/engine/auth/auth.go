package auth

import (
	"context"
	"fmt"

	"servimatch/internal/domain"
	"servimatch/internal/repo"
)

// ForbiddenError indicates the principal is not a party to the entity it is
// acting on.
type ForbiddenError struct {
	UserID string
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s may not %s", e.UserID, e.Action)
}

// RequireRequestOwner allows only the explorer who posted the request.
func RequireRequestOwner(req domain.ServiceRequest, userID string) error {
	if userID == "" || req.ExplorerID != userID {
		return ForbiddenError{UserID: userID, Action: "manage request " + req.ID}
	}
	return nil
}

// RequireParticipant returns the caller's side of the connection.
func RequireParticipant(c domain.Connection, userID string) (domain.Party, error) {
	p, ok := c.PartyOf(userID)
	if !ok || userID == "" {
		return "", ForbiddenError{UserID: userID, Action: "act on connection " + c.ID}
	}
	return p, nil
}

// RequireReviewer allows only the explorer who owes the review.
func RequireReviewer(o domain.ReviewObligation, userID string) error {
	if userID == "" || o.ExplorerID != userID {
		return ForbiddenError{UserID: userID, Action: "review obligation " + o.ID}
	}
	return nil
}

// RequireSelf guards per-user resources such as role state.
func RequireSelf(principal, userID string) error {
	if principal == "" || principal != userID {
		return ForbiddenError{UserID: principal, Action: "act for " + userID}
	}
	return nil
}

// Service loads the owning rows before the checks above. Ownership columns
// never change after insert, so the reads need no transaction.
type Service struct {
	Repo repo.Repo
}

func (s Service) RequestOwner(ctx context.Context, requestID, userID string) (domain.ServiceRequest, error) {
	req, err := s.Repo.GetRequest(ctx, nil, requestID)
	if err != nil {
		return req, fmt.Errorf("request %s: %w", requestID, err)
	}
	return req, RequireRequestOwner(req, userID)
}

func (s Service) Participant(ctx context.Context, connectionID, userID string) (domain.Connection, domain.Party, error) {
	c, err := s.Repo.GetConnection(ctx, nil, connectionID)
	if err != nil {
		return c, "", fmt.Errorf("connection %s: %w", connectionID, err)
	}
	p, err := RequireParticipant(c, userID)
	return c, p, err
}

func (s Service) Reviewer(ctx context.Context, obligationID, userID string) (domain.ReviewObligation, error) {
	o, err := s.Repo.GetObligation(ctx, nil, obligationID)
	if err != nil {
		return o, fmt.Errorf("obligation %s: %w", obligationID, err)
	}
	return o, RequireReviewer(o, userID)
}
