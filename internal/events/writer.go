package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine. Types with a recipient are delivered by
// the notification dispatcher.
const (
	RequestCreated     = "request.created"
	RequestExpired     = "request.expired"
	RequestCancelled   = "request.cancelled"
	InterestReceived   = "interest.received"
	InterestAccepted   = "interest.accepted"
	InterestRejected   = "interest.rejected"
	ConnectionCreated  = "connection.created"
	ConnectionStarted  = "connection.started"
	ConnectionCanceled = "connection.cancelled"
	CompletionConfirm  = "connection.confirmed"
	ServiceCompleted   = "service.completed"
	ObligationCreated  = "review.obligation.created"
	ReviewReminder     = "review.reminder"
	ReviewBlocking     = "review.blocking"
	ReviewSubmitted    = "review.submitted"
	RoleSwitched       = "role_switch.completed"
	RoleSwitchBlocked  = "role_switch.blocked"
)

// SystemActor is recorded for sweep-driven changes.
const SystemActor = "system"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.insert(ctx, tx, evtType, entityKind, entityID, actorID, "", payload)
}

// Notify records an event addressed to recipientID. It commits or rolls back
// with the change that caused it and is delivered later by the dispatcher.
func (w Writer) Notify(ctx context.Context, tx *sql.Tx, recipientID, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if recipientID == "" {
		return fmt.Errorf("notify %s: recipient required", evtType)
	}
	return w.insert(ctx, tx, evtType, entityKind, entityID, actorID, recipientID, payload)
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID, recipientID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,recipient_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, nullable(recipientID), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
