// Package servimatchsdk is a small client for the servimatch HTTP API.
package servimatchsdk

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

// Client calls the API as one user. Exactly one of BearerToken, APIKey or
// UserID is normally set; UserID only works against servers that accept the
// development header.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	APIKey      string
	UserID      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// As returns a copy of c acting through the development user header.
func (c *Client) As(userID string) *Client {
	cp := *c
	cp.BearerToken, cp.APIKey, cp.UserID = "", "", userID
	return &cp
}

// Request mirrors a service request (partial).
type Request struct {
	ID           string  `json:"id"`
	ExplorerID   string  `json:"explorer_id"`
	CategoryID   string  `json:"category_id"`
	Locality     string  `json:"locality"`
	Urgency      string  `json:"urgency"`
	Title        string  `json:"title,omitempty"`
	Status       string  `json:"status"`
	SelectedASID *string `json:"selected_as_id,omitempty"`
	CancelReason *string `json:"cancel_reason,omitempty"`
	ExpiresAt    string  `json:"expires_at"`
	CreatedAt    string  `json:"created_at"`
}

// NewRequest is the body of CreateRequest.
type NewRequest struct {
	CategoryID    string `json:"category_id"`
	Locality      string `json:"locality"`
	Urgency       string `json:"urgency"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	BudgetMin     *int64 `json:"budget_min,omitempty"`
	BudgetMax     *int64 `json:"budget_max,omitempty"`
	PreferredDate string `json:"preferred_date,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
}

type Interest struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	ASID          string `json:"as_id"`
	ProposedPrice *int64 `json:"proposed_price,omitempty"`
	Message       string `json:"message,omitempty"`
	Status        string `json:"status"`
	Viewed        bool   `json:"viewed"`
}

type Connection struct {
	ID                         string  `json:"id"`
	ExplorerID                 string  `json:"explorer_id"`
	ASID                       string  `json:"as_id"`
	RequestID                  *string `json:"request_id,omitempty"`
	ChatRoom                   string  `json:"chat_room"`
	Status                     string  `json:"status"`
	AgreedPrice                *int64  `json:"agreed_price,omitempty"`
	RequiresMutualConfirmation bool    `json:"requires_mutual_confirmation"`
	ExplorerConfirmed          bool    `json:"explorer_confirmed"`
	ASConfirmed                bool    `json:"as_confirmed"`
}

type AcceptResult struct {
	Connection Connection `json:"connection"`
	ChatRoom   string     `json:"chat_room"`
	Rejected   []Interest `json:"rejected,omitempty"`
}

type ConfirmationResult struct {
	ConnectionID      string `json:"connection_id"`
	Status            string `json:"status"`
	BothConfirmed     bool   `json:"both_confirmed"`
	ExplorerConfirmed bool   `json:"explorer_confirmed"`
	ASConfirmed       bool   `json:"as_confirmed"`
	Completed         bool   `json:"completed"`
	ObligationID      string `json:"obligation_id,omitempty"`
}

type Obligation struct {
	ID                    string  `json:"id"`
	ConnectionID          string  `json:"connection_id"`
	ExplorerID            string  `json:"explorer_id"`
	ASID                  string  `json:"as_id"`
	ReviewDueAt           string  `json:"review_due_at"`
	IsReviewed            bool    `json:"is_reviewed"`
	ReminderCount         int     `json:"reminder_count"`
	IsBlockingNewServices bool    `json:"is_blocking_new_services"`
	ReviewID              *string `json:"review_id,omitempty"`
}

type Review struct {
	ID           string `json:"id"`
	ObligationID string `json:"obligation_id"`
	ReviewerID   string `json:"reviewer_id"`
	RevieweeID   string `json:"reviewee_id"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment"`
	CreatedAt    string `json:"created_at"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	ActiveRole  string `json:"active_role"`
}

// Event is one notification addressed to the caller.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type BlockingReason struct {
	Kind            string `json:"kind"`
	ConnectionID    string `json:"connection_id,omitempty"`
	ObligationID    string `json:"obligation_id,omitempty"`
	CounterpartID   string `json:"counterpart_id,omitempty"`
	CounterpartName string `json:"counterpart_name,omitempty"`
}

type BlockingStatus struct {
	UserID                  string           `json:"user_id"`
	IsBlocked               bool             `json:"is_blocked"`
	BlockingCount           int              `json:"blocking_count"`
	PendingCounterpartNames []string         `json:"pending_counterpart_names"`
	Reasons                 []BlockingReason `json:"reasons"`
}

type SwitchCheck struct {
	UserID      string           `json:"user_id"`
	CurrentRole string           `json:"current_role"`
	TargetRole  string           `json:"target_role"`
	Allowed     bool             `json:"allowed"`
	Reasons     []BlockingReason `json:"blocking_reasons"`
}

type RoleState struct {
	UserID     string `json:"user_id"`
	ActiveRole string `json:"active_role"`
	History    []struct {
		FromRole  string `json:"from_role"`
		ToRole    string `json:"to_role"`
		CreatedAt string `json:"created_at"`
	} `json:"history"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status of an *APIError, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

type items[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) CreateRequest(ctx context.Context, req NewRequest) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", req, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListRequests lists requests; status and explorerID are optional filters.
func (c *Client) ListRequests(ctx context.Context, status, explorerID string) ([]Request, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if explorerID != "" {
		q.Set("explorer_id", explorerID)
	}
	var resp items[Request]
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) CancelRequest(ctx context.Context, id, reason string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) SubmitInterest(ctx context.Context, requestID string, price *int64, message string) (Interest, error) {
	body := map[string]any{"message": message}
	if price != nil {
		body["proposed_price"] = *price
	}
	var resp Interest
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(requestID)+"/interests", body, &resp)
	return resp, err
}

func (c *Client) ListInterests(ctx context.Context, requestID string) ([]Interest, error) {
	var resp items[Interest]
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID)+"/interests", nil, &resp)
	return resp.Items, err
}

// MyInterests lists the caller's own bids.
func (c *Client) MyInterests(ctx context.Context) ([]Interest, error) {
	var resp items[Interest]
	err := c.do(ctx, http.MethodGet, "interests", nil, &resp)
	return resp.Items, err
}

func (c *Client) AcceptInterest(ctx context.Context, requestID, interestID string, finalPrice *int64) (AcceptResult, error) {
	body := map[string]any{}
	if finalPrice != nil {
		body["final_price"] = *finalPrice
	}
	var resp AcceptResult
	endpoint := fmt.Sprintf("requests/%s/interests/%s/accept", url.PathEscape(requestID), url.PathEscape(interestID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) CreateDirectConnection(ctx context.Context, asID string, price *int64, requiresMutual bool) (Connection, error) {
	body := map[string]any{"as_id": asID, "requires_mutual_confirmation": requiresMutual}
	if price != nil {
		body["agreed_price"] = *price
	}
	var resp Connection
	err := c.do(ctx, http.MethodPost, "connections", body, &resp)
	return resp, err
}

func (c *Client) ListConnections(ctx context.Context, status string) ([]Connection, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp items[Connection]
	err := c.do(ctx, http.MethodGet, withQuery("connections", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) GetConnection(ctx context.Context, id string) (Connection, error) {
	var resp Connection
	err := c.do(ctx, http.MethodGet, "connections/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) StartConnection(ctx context.Context, id string) (Connection, error) {
	var resp Connection
	err := c.do(ctx, http.MethodPost, "connections/"+url.PathEscape(id)+"/start", nil, &resp)
	return resp, err
}

func (c *Client) CancelConnection(ctx context.Context, id, reason string) (Connection, error) {
	var resp Connection
	err := c.do(ctx, http.MethodPost, "connections/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Confirm records the caller's completion confirmation; the server derives
// the caller's side from the connection.
func (c *Client) Confirm(ctx context.Context, connectionID, note string) (ConfirmationResult, error) {
	var resp ConfirmationResult
	err := c.do(ctx, http.MethodPost, "connections/"+url.PathEscape(connectionID)+"/confirm", map[string]any{"note": note}, &resp)
	return resp, err
}

func (c *Client) Obligations(ctx context.Context, pendingOnly bool) ([]Obligation, error) {
	q := url.Values{}
	if pendingOnly {
		q.Set("pending", "true")
	}
	var resp items[Obligation]
	err := c.do(ctx, http.MethodGet, withQuery("obligations", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) SubmitReview(ctx context.Context, obligationID string, rating int, comment string) (Review, error) {
	var resp Review
	body := map[string]any{"rating": rating, "comment": comment}
	err := c.do(ctx, http.MethodPost, "obligations/"+url.PathEscape(obligationID)+"/review", body, &resp)
	return resp, err
}

func (c *Client) Reviews(ctx context.Context, userID string) ([]Review, error) {
	var resp items[Review]
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/reviews", nil, &resp)
	return resp.Items, err
}

func (c *Client) BlockingStatus(ctx context.Context, userID string) (BlockingStatus, error) {
	var resp BlockingStatus
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID)+"/blocking", nil, &resp)
	return resp, err
}

func (c *Client) CanSwitch(ctx context.Context, userID, target string) (SwitchCheck, error) {
	var resp SwitchCheck
	q := url.Values{"target": {target}}
	err := c.do(ctx, http.MethodGet, withQuery("users/"+url.PathEscape(userID)+"/role/check", q), nil, &resp)
	return resp, err
}

func (c *Client) SwitchRole(ctx context.Context, userID, target, reason string) (RoleState, error) {
	var resp RoleState
	body := map[string]any{"target_role": target, "reason": reason}
	err := c.do(ctx, http.MethodPost, "users/"+url.PathEscape(userID)+"/role", body, &resp)
	return resp, err
}

func (c *Client) SetDisplayName(ctx context.Context, userID, name string) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodPut, "users/"+url.PathEscape(userID)+"/name", map[string]string{"display_name": name}, &resp)
	return resp, err
}

// Notifications lists the newest notifications for the caller, optionally
// of one event type.
func (c *Client) Notifications(ctx context.Context, eventType string) ([]Event, error) {
	var resp items[Event]
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = envelope.Error.Code, envelope.Error.Message, envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
