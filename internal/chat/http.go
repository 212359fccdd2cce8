package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPMessenger calls an external chat service over JSON.
//
//	POST {endpoint}/rooms                    {"participants":[a,b]} -> {"handle":"..."}
//	POST {endpoint}/rooms/{handle}/messages  {"text":"...","system":true}
type HTTPMessenger struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewHTTPMessenger(endpoint, token string, timeout time.Duration) *HTTPMessenger {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPMessenger{Endpoint: endpoint, Token: token, Timeout: timeout}
}

// StatusError is a non-2xx answer from the chat service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat service: status=%d body=%s", e.StatusCode, e.Body)
}

func (m *HTTPMessenger) AllocateRoom(ctx context.Context, participantA, participantB string) (string, error) {
	a, b := SortedPair(participantA, participantB)
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := m.do(ctx, "rooms", map[string]any{"participants": []string{a, b}}, &resp); err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", errors.New("chat service returned empty room handle")
	}
	return resp.Handle, nil
}

func (m *HTTPMessenger) NotifyRoom(ctx context.Context, handle, message string) error {
	endpoint := fmt.Sprintf("rooms/%s/messages", url.PathEscape(handle))
	return m.do(ctx, endpoint, map[string]any{"text": message, "system": true}, nil)
}

func (m *HTTPMessenger) do(ctx context.Context, endpoint string, body any, out any) error {
	if m.HTTPClient == nil {
		m.HTTPClient = &http.Client{Timeout: m.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	target := strings.TrimRight(m.Endpoint, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.Token != "" {
		req.Header.Set("Authorization", "Bearer "+m.Token)
	}
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
