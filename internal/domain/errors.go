package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrRequestNotActive  = errors.New("request not active")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyAccepted   = errors.New("request already accepted")
	ErrAlreadyCompleted  = errors.New("connection already completed")
	ErrAlreadyReviewed   = errors.New("obligation already reviewed")
	ErrDuplicateInterest = errors.New("duplicate interest")
	ErrWrongRole         = errors.New("wrong active role")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// BlockingReason kinds.
const (
	ReasonServiceInProgress = "service_in_progress"
	ReasonReviewOverdue     = "review_overdue"
)

type BlockingReason struct {
	Kind            string `json:"kind" enum:"service_in_progress,review_overdue"`
	ConnectionID    string `json:"connection_id,omitempty"`
	ObligationID    string `json:"obligation_id,omitempty"`
	CounterpartID   string `json:"counterpart_id,omitempty"`
	CounterpartName string `json:"counterpart_name,omitempty"`
	ReviewDueAt     string `json:"review_due_at,omitempty" format:"date-time"`
}

func (r BlockingReason) String() string {
	switch r.Kind {
	case ReasonServiceInProgress:
		return fmt.Sprintf("connection %s is in progress", r.ConnectionID)
	case ReasonReviewOverdue:
		return fmt.Sprintf("review of %s overdue (obligation %s)", r.CounterpartName, r.ObligationID)
	}
	return r.Kind
}

func joinReasons(reasons []BlockingReason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, "; ")
}

// SwitchBlockedError carries every reason a role switch was refused.
type SwitchBlockedError struct {
	UserID  string
	Target  Role
	Reasons []BlockingReason
}

func (e *SwitchBlockedError) Error() string {
	return fmt.Sprintf("role switch to %s blocked for %s: %s", e.Target, e.UserID, joinReasons(e.Reasons))
}

// ActivityBlockedError is returned when overdue reviews prevent a user from
// posting new requests.
type ActivityBlockedError struct {
	UserID  string
	Reasons []BlockingReason
}

func (e *ActivityBlockedError) Error() string {
	return fmt.Sprintf("new activity blocked for %s: %s", e.UserID, joinReasons(e.Reasons))
}

// PersistenceError wraps store failures. Transient ones may be retried as a
// whole transaction.
type PersistenceError struct {
	Op        string
	Err       error
	Transient bool
}

func (e *PersistenceError) Error() string {
	if e.Transient {
		return fmt.Sprintf("persistence (transient) %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient
}

// IsStateConflict reports the definitive state-machine outcomes a caller
// should answer by re-reading current state.
func IsStateConflict(err error) bool {
	for _, target := range []error{
		ErrRequestNotActive,
		ErrInvalidState,
		ErrAlreadyAccepted,
		ErrAlreadyCompleted,
		ErrAlreadyReviewed,
		ErrDuplicateInterest,
		ErrWrongRole,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
