package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"servimatch/internal/config"
	"servimatch/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Sink receives notification events. Name is the durable cursor key.
type Sink interface {
	Name() string
	Accepts(eventType string) bool
	Deliver(ctx context.Context, evt domain.Event) error
}

// LogSink writes every notification to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }
func (LogSink) Accepts(string) bool { return true }
func (s LogSink) Deliver(_ context.Context, evt domain.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"event_id", evt.ID,
		"type", evt.Type,
		"recipient_id", evt.RecipientID,
		"entity_kind", evt.EntityKind,
		"entity_id", evt.EntityID,
		"payload", json.RawMessage(payloadOrEmpty(evt.Payload)),
	)
	return nil
}

// WebhookSink POSTs each notification as JSON. When a secret is set the body
// is signed with HMAC-SHA256 in X-Servimatch-Signature.
type WebhookSink struct {
	name   string
	hook   config.WebhookConfig
	client *http.Client
	filter eventFilter
}

func NewWebhookSink(name string, hook config.WebhookConfig) *WebhookSink {
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		name:   name,
		hook:   hook,
		client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

func (s *WebhookSink) Name() string { return s.name }
func (s *WebhookSink) Accepts(eventType string) bool { return s.filter.match(eventType) }

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	RecipientID string          `json:"recipient_id"`
	EntityKind  string          `json:"entity_kind"`
	EntityID    string          `json:"entity_id,omitempty"`
	ActorID     string          `json:"actor_id"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *WebhookSink) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		RecipientID: evt.RecipientID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     json.RawMessage(payloadOrEmpty(evt.Payload)),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Servimatch-Event", evt.Type)
	req.Header.Set("X-Servimatch-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(s.hook.Secret); secret != "" {
		req.Header.Set("X-Servimatch-Signature", "sha256="+Sign(secret, data))
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func payloadOrEmpty(p string) string {
	if p == "" || !json.Valid([]byte(p)) {
		return "{}"
	}
	return p
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
