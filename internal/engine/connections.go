package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"servimatch/internal/chat"
	"servimatch/internal/domain"
	"servimatch/internal/events"
	"servimatch/internal/repo"
)

// CreateFromAcceptance opens the connection for an accepted interest. It only
// runs inside the acceptance transaction.
func (e Engine) CreateFromAcceptance(ctx context.Context, tx *sql.Tx, explorerID, asID, requestID string, price *int64) (domain.Connection, error) {
	rid := requestID
	return e.insertConnection(ctx, tx, explorerID, asID, &rid, price, true)
}

func (e Engine) insertConnection(ctx context.Context, tx *sql.Tx, explorerID, asID string, requestID *string, price *int64, mutual bool) (domain.Connection, error) {
	handle, err := e.allocateRoom(ctx, tx, explorerID, asID)
	if err != nil {
		return domain.Connection{}, err
	}
	stamp := e.stamp()
	c := domain.Connection{
		ID:                         newID("conn"),
		ExplorerID:                 explorerID,
		ASID:                       asID,
		RequestID:                  requestID,
		ChatRoom:                   handle,
		Status:                     domain.ConnectionActive,
		AgreedPrice:                price,
		RequiresMutualConfirmation: mutual,
		CreatedAt:                  stamp,
		UpdatedAt:                  stamp,
	}
	if err := e.Repo.InsertConnection(ctx, tx, c); err != nil {
		return domain.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	payload := events.EventPayload{"explorer_id": explorerID, "as_id": asID, "chat_room": handle}
	if requestID != nil {
		payload["request_id"] = *requestID
	}
	if err := e.Events.Append(ctx, tx, events.ConnectionCreated, "connection", c.ID, explorerID, payload); err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

// allocateRoom reuses the room already recorded for the pair, otherwise asks
// the messenger for one and records it with the connection.
func (e Engine) allocateRoom(ctx context.Context, tx *sql.Tx, explorerID, asID string) (string, error) {
	a, b := chat.SortedPair(explorerID, asID)
	room, err := e.Repo.GetChatRoom(ctx, tx, a, b)
	if err == nil {
		return room.Handle, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	messenger := e.Chat
	if messenger == nil {
		messenger = chat.NewLocal(e.Logger)
	}
	cctx, cancel := context.WithTimeout(ctx, e.chatTimeout())
	defer cancel()
	handle, err := messenger.AllocateRoom(cctx, a, b)
	if err != nil {
		return "", fmt.Errorf("allocate chat room: %w", err)
	}
	if err := e.Repo.InsertChatRoom(ctx, tx, domain.ChatRoom{Handle: handle, ParticipantA: a, ParticipantB: b, CreatedAt: e.stamp()}); err != nil {
		return "", err
	}
	return handle, nil
}

func (e Engine) chatTimeout() time.Duration {
	if e.Config != nil && e.Config.Chat.Timeout > 0 {
		return e.Config.Chat.Timeout
	}
	return 3 * time.Second
}

// announce posts a system message after commit. Failures are logged only.
func (e Engine) announce(ctx context.Context, handle, message string) {
	if handle == "" || e.Chat == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.chatTimeout())
	defer cancel()
	if err := e.Chat.NotifyRoom(cctx, handle, message); err != nil {
		e.log().Warn("chat notify failed", "room", handle, "error", err)
	}
}

// CreateDirectConnection connects an explorer and an AS without a request.
func (e Engine) CreateDirectConnection(ctx context.Context, explorerID, asID string, price *int64, requiresMutual bool) (domain.Connection, error) {
	explorerID, asID = strings.TrimSpace(explorerID), strings.TrimSpace(asID)
	switch {
	case explorerID == "":
		return domain.Connection{}, domain.Invalid("explorer_id", "is required")
	case asID == "":
		return domain.Connection{}, domain.Invalid("as_id", "is required")
	case explorerID == asID:
		return domain.Connection{}, domain.Invalid("as_id", "must differ from explorer_id")
	case price != nil && *price < 0:
		return domain.Connection{}, domain.Invalid("agreed_price", "must be at least 0")
	}
	var c domain.Connection
	err := e.withTx(ctx, "create_direct_connection", func(tx *sql.Tx) error {
		stamp := e.stamp()
		for _, id := range []string{explorerID, asID} {
			if err := e.Repo.EnsureUser(ctx, tx, id, stamp); err != nil {
				return err
			}
		}
		var err error
		c, err = e.insertConnection(ctx, tx, explorerID, asID, nil, price, requiresMutual)
		if err != nil {
			return err
		}
		return e.Events.Notify(ctx, tx, asID, events.ConnectionCreated, "connection", c.ID, explorerID,
			events.EventPayload{"connection_id": c.ID, "chat_room": c.ChatRoom})
	})
	if err != nil {
		return domain.Connection{}, err
	}
	e.announce(ctx, c.ChatRoom, "Connection opened.")
	return c, nil
}

func (e Engine) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	c, err := e.Repo.GetConnection(ctx, nil, id)
	if err != nil {
		return c, fmt.Errorf("connection %s: %w", id, e.read("get_connection", err))
	}
	return c, nil
}

func (e Engine) ListConnections(ctx context.Context, userID, status string) ([]domain.Connection, error) {
	if status != "" {
		switch domain.ConnectionStatus(status) {
		case domain.ConnectionActive, domain.ConnectionInProgress, domain.ConnectionCompleted, domain.ConnectionCancelled:
		default:
			return nil, domain.Invalid("status", "is not a connection status")
		}
	}
	res, err := e.Repo.ListConnections(ctx, nil, userID, status)
	return res, e.read("list_connections", err)
}

// MarkInProgress records that the service has started.
func (e Engine) MarkInProgress(ctx context.Context, connectionID string) (domain.Connection, error) {
	var c domain.Connection
	err := e.withTx(ctx, "start_connection", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetConnection(ctx, tx, connectionID)
		if err != nil {
			return fmt.Errorf("connection %s: %w", connectionID, err)
		}
		ok, err := e.Repo.StartConnection(ctx, tx, connectionID, e.stamp())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: connection %s is %s", domain.ErrInvalidState, connectionID, cur.Status)
		}
		if err := e.Events.Append(ctx, tx, events.ConnectionStarted, "connection", connectionID, "", nil); err != nil {
			return err
		}
		c, err = e.Repo.GetConnection(ctx, tx, connectionID)
		return err
	})
	return c, err
}

// Cancel ends a connection that has not completed. A connection opened from
// a request releases that request as cancelled.
func (e Engine) Cancel(ctx context.Context, connectionID, reason string) (domain.Connection, error) {
	var c domain.Connection
	err := e.withTx(ctx, "cancel_connection", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetConnection(ctx, tx, connectionID)
		if err != nil {
			return fmt.Errorf("connection %s: %w", connectionID, err)
		}
		stamp := e.stamp()
		ok, err := e.Repo.CancelConnection(ctx, tx, connectionID, reason, stamp)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: connection %s is %s", domain.ErrInvalidState, connectionID, cur.Status)
		}
		if cur.RequestID != nil {
			if _, err := e.Repo.ReleaseRequest(ctx, tx, *cur.RequestID, "connection cancelled", stamp); err != nil {
				return err
			}
		}
		payload := events.EventPayload{"connection_id": connectionID, "reason": reason}
		for _, uid := range []string{cur.ExplorerID, cur.ASID} {
			if err := e.Events.Notify(ctx, tx, uid, events.ConnectionCanceled, "connection", connectionID, "", payload); err != nil {
				return err
			}
		}
		c, err = e.Repo.GetConnection(ctx, tx, connectionID)
		return err
	})
	return c, err
}
