package domain

import "time"

// Role is the acting capacity of a user.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

func (r Role) Valid() bool { return r == RoleProvider || r == RoleClient }

// Party identifies one side of a connection.
type Party string

const (
	PartyExplorer Party = "explorer"
	PartyAS       Party = "as"
)

func (p Party) Valid() bool { return p == PartyExplorer || p == PartyAS }

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

type RequestStatus string

const (
	RequestActive     RequestStatus = "active"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
)

type InterestStatus string

const (
	InterestPending  InterestStatus = "pending"
	InterestAccepted InterestStatus = "accepted"
	InterestRejected InterestStatus = "rejected"
	InterestExpired  InterestStatus = "expired"
)

type ConnectionStatus string

const (
	ConnectionActive     ConnectionStatus = "active"
	ConnectionInProgress ConnectionStatus = "service_in_progress"
	ConnectionCompleted  ConnectionStatus = "completed"
	ConnectionCancelled  ConnectionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionCompleted || s == ConnectionCancelled
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	ActiveRole  Role   `json:"active_role" enum:"provider,client"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Name is what counterpart listings show.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.ID
}

type ServiceRequest struct {
	ID            string        `json:"id"`
	ExplorerID    string        `json:"explorer_id"`
	CategoryID    string        `json:"category_id"`
	Locality      string        `json:"locality"`
	Urgency       Urgency       `json:"urgency" enum:"low,medium,high,emergency"`
	Title         string        `json:"title,omitempty"`
	Description   string        `json:"description,omitempty"`
	BudgetMin     *int64        `json:"budget_min,omitempty"`
	BudgetMax     *int64        `json:"budget_max,omitempty"`
	PreferredDate *string       `json:"preferred_date,omitempty"`
	PreferredTime *string       `json:"preferred_time,omitempty"`
	Status        RequestStatus `json:"status" enum:"active,in_progress,completed,cancelled"`
	SelectedASID  *string       `json:"selected_as_id,omitempty"`
	CancelReason  *string       `json:"cancel_reason,omitempty"`
	ExpiresAt     string        `json:"expires_at" format:"date-time"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type ASInterest struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	ASID          string         `json:"as_id"`
	ProposedPrice *int64         `json:"proposed_price,omitempty"`
	Message       string         `json:"message,omitempty"`
	Status        InterestStatus `json:"status" enum:"pending,accepted,rejected,expired"`
	Viewed        bool           `json:"viewed"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type Connection struct {
	ID                         string           `json:"id"`
	ExplorerID                 string           `json:"explorer_id"`
	ASID                       string           `json:"as_id"`
	RequestID                  *string          `json:"request_id,omitempty"`
	ChatRoom                   string           `json:"chat_room"`
	Status                     ConnectionStatus `json:"status" enum:"active,service_in_progress,completed,cancelled"`
	AgreedPrice                *int64           `json:"agreed_price,omitempty"`
	RequiresMutualConfirmation bool             `json:"requires_mutual_confirmation"`
	ExplorerConfirmed          bool             `json:"explorer_confirmed"`
	ExplorerConfirmedAt        *string          `json:"explorer_confirmed_at,omitempty" format:"date-time"`
	ExplorerNote               *string          `json:"explorer_note,omitempty"`
	ASConfirmed                bool             `json:"as_confirmed"`
	ASConfirmedAt              *string          `json:"as_confirmed_at,omitempty" format:"date-time"`
	ASNote                     *string          `json:"as_note,omitempty"`
	CancelReason               *string          `json:"cancel_reason,omitempty"`
	StartedAt                  *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt                *string          `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt                *string          `json:"cancelled_at,omitempty" format:"date-time"`
	CreatedAt                  string           `json:"created_at" format:"date-time"`
	UpdatedAt                  string           `json:"updated_at" format:"date-time"`
}

// PartyOf returns which side userID is on, or false if not a participant.
func (c Connection) PartyOf(userID string) (Party, bool) {
	switch userID {
	case c.ExplorerID:
		return PartyExplorer, true
	case c.ASID:
		return PartyAS, true
	}
	return "", false
}

// Counterpart returns the other participant's id.
func (c Connection) Counterpart(p Party) string {
	if p == PartyExplorer {
		return c.ASID
	}
	return c.ExplorerID
}

func (c Connection) BothConfirmed() bool { return c.ExplorerConfirmed && c.ASConfirmed }

type ReviewObligation struct {
	ID                    string  `json:"id"`
	ConnectionID          string  `json:"connection_id"`
	ExplorerID            string  `json:"explorer_id"`
	ASID                  string  `json:"as_id"`
	ServiceCompletedAt    string  `json:"service_completed_at" format:"date-time"`
	ReviewDueAt           string  `json:"review_due_at" format:"date-time"`
	IsReviewed            bool    `json:"is_reviewed"`
	ReminderCount         int     `json:"reminder_count"`
	LastReminderAt        *string `json:"last_reminder_at,omitempty" format:"date-time"`
	IsBlockingNewServices bool    `json:"is_blocking_new_services"`
	ReviewID              *string `json:"review_id,omitempty"`
	ReviewedAt            *string `json:"reviewed_at,omitempty" format:"date-time"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

// BlockingAt evaluates the blocking rule against now. The stored flag is only
// refreshed by the overdue sweep, so reads use this instead.
func (o ReviewObligation) BlockingAt(now time.Time) bool {
	if o.IsReviewed {
		return false
	}
	due, err := time.Parse(time.RFC3339, o.ReviewDueAt)
	if err != nil {
		return false
	}
	return now.After(due)
}

type Review struct {
	ID           string `json:"id"`
	ObligationID string `json:"obligation_id"`
	ConnectionID string `json:"connection_id"`
	ReviewerID   string `json:"reviewer_id"`
	RevieweeID   string `json:"reviewee_id"`
	Rating       int    `json:"rating" minimum:"1" maximum:"5"`
	Comment      string `json:"comment"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type RoleSwitchRecord struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	FromRole  Role   `json:"from_role"`
	ToRole    Role   `json:"to_role"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleState struct {
	UserID     string             `json:"user_id"`
	ActiveRole Role               `json:"active_role" enum:"provider,client"`
	History    []RoleSwitchRecord `json:"history"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Payload     string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ChatRoom struct {
	Handle       string `json:"handle"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
