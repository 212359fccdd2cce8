package engine

import (
	"context"
	"database/sql"
	"fmt"

	"servimatch/internal/domain"
	"servimatch/internal/events"
)

// ConfirmationResult is the state observed after a ConfirmCompletion call.
// Completed is set only on the call whose commit completed the connection.
type ConfirmationResult struct {
	ConnectionID      string                  `json:"connection_id"`
	Status            domain.ConnectionStatus `json:"status"`
	BothConfirmed     bool                    `json:"both_confirmed"`
	ExplorerConfirmed bool                    `json:"explorer_confirmed"`
	ASConfirmed       bool                    `json:"as_confirmed"`
	Completed         bool                    `json:"completed"`
	ObligationID      string                  `json:"obligation_id,omitempty"`
}

func confirmationResult(c domain.Connection) ConfirmationResult {
	return ConfirmationResult{
		ConnectionID:      c.ID,
		Status:            c.Status,
		BothConfirmed:     c.BothConfirmed(),
		ExplorerConfirmed: c.ExplorerConfirmed,
		ASConfirmed:       c.ASConfirmed,
	}
}

// ConfirmCompletion records one party's "service completed". Both flags are
// read, written and evaluated in one transaction, so whichever confirmation
// commits second is the one that completes the connection and opens the
// review obligation.
func (e Engine) ConfirmCompletion(ctx context.Context, connectionID string, actor domain.Party, note string) (ConfirmationResult, error) {
	if !actor.Valid() {
		return ConfirmationResult{}, domain.Invalid("actor_role", "must be explorer or as")
	}
	if len(note) > 2000 {
		return ConfirmationResult{}, domain.Invalid("note", "must have at most 2000 characters")
	}
	var (
		res  ConfirmationResult
		room string
	)
	err := e.withTx(ctx, "confirm_completion", func(tx *sql.Tx) error {
		c, err := e.Repo.GetConnection(ctx, tx, connectionID)
		if err != nil {
			return fmt.Errorf("connection %s: %w", connectionID, err)
		}
		room = c.ChatRoom
		switch c.Status {
		case domain.ConnectionCompleted:
			return fmt.Errorf("%w: connection %s", domain.ErrAlreadyCompleted, connectionID)
		case domain.ConnectionInProgress:
		default:
			return fmt.Errorf("%w: connection %s is %s", domain.ErrInvalidState, connectionID, c.Status)
		}
		if (actor == domain.PartyExplorer && c.ExplorerConfirmed) || (actor == domain.PartyAS && c.ASConfirmed) {
			res = confirmationResult(c)
			return nil
		}

		stamp := e.stamp()
		at := stamp
		if actor == domain.PartyExplorer {
			c.ExplorerConfirmed, c.ExplorerConfirmedAt, c.ExplorerNote = true, &at, optionalString(note)
		} else {
			c.ASConfirmed, c.ASConfirmedAt, c.ASNote = true, &at, optionalString(note)
		}
		if !c.RequiresMutualConfirmation {
			if !c.ExplorerConfirmed {
				c.ExplorerConfirmed, c.ExplorerConfirmedAt = true, &at
			}
			if !c.ASConfirmed {
				c.ASConfirmed, c.ASConfirmedAt = true, &at
			}
		}
		from := c.Status
		completing := c.BothConfirmed()
		if completing {
			c.Status = domain.ConnectionCompleted
			c.CompletedAt = &at
		}
		c.UpdatedAt = stamp
		ok, err := e.Repo.SaveConfirmation(ctx, tx, c, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: connection %s changed concurrently", domain.ErrInvalidState, connectionID)
		}
		actorID := c.ExplorerID
		if actor == domain.PartyAS {
			actorID = c.ASID
		}
		if err := e.Events.Append(ctx, tx, events.CompletionConfirm, "connection", c.ID, actorID, events.EventPayload{"party": actor}); err != nil {
			return err
		}
		res = confirmationResult(c)
		if !completing {
			return e.Events.Notify(ctx, tx, c.Counterpart(actor), events.CompletionConfirm, "connection", c.ID, actorID,
				events.EventPayload{"connection_id": c.ID, "party": actor})
		}

		if c.RequestID != nil {
			if _, err := e.Repo.CompleteRequest(ctx, tx, *c.RequestID, stamp); err != nil {
				return err
			}
		}
		o, err := e.OnServiceCompleted(ctx, tx, c.ID, c.ExplorerID, c.ASID)
		if err != nil {
			return err
		}
		payload := events.EventPayload{"connection_id": c.ID, "obligation_id": o.ID, "review_due_at": o.ReviewDueAt}
		for _, uid := range []string{c.ExplorerID, c.ASID} {
			if err := e.Events.Notify(ctx, tx, uid, events.ServiceCompleted, "connection", c.ID, actorID, payload); err != nil {
				return err
			}
		}
		res.Completed = true
		res.ObligationID = o.ID
		return nil
	})
	if err != nil {
		return ConfirmationResult{}, err
	}
	if res.Completed {
		e.announce(ctx, room, "Both parties confirmed the service is complete.")
	}
	return res, nil
}

// PartyConfirmation is one side of a confirmation status.
type PartyConfirmation struct {
	Confirmed bool    `json:"confirmed"`
	At        *string `json:"at,omitempty" format:"date-time"`
	Note      *string `json:"note,omitempty"`
}

type ConfirmationStatus struct {
	ConnectionID  string                  `json:"connection_id"`
	Status        domain.ConnectionStatus `json:"status"`
	Explorer      PartyConfirmation       `json:"explorer"`
	AS            PartyConfirmation       `json:"as"`
	BothConfirmed bool                    `json:"both_confirmed"`
}

func (e Engine) GetConfirmationStatus(ctx context.Context, connectionID string) (ConfirmationStatus, error) {
	c, err := e.GetConnection(ctx, connectionID)
	if err != nil {
		return ConfirmationStatus{}, err
	}
	return ConfirmationStatus{
		ConnectionID:  c.ID,
		Status:        c.Status,
		Explorer:      PartyConfirmation{Confirmed: c.ExplorerConfirmed, At: c.ExplorerConfirmedAt, Note: c.ExplorerNote},
		AS:            PartyConfirmation{Confirmed: c.ASConfirmed, At: c.ASConfirmedAt, Note: c.ASNote},
		BothConfirmed: c.BothConfirmed(),
	}, nil
}
