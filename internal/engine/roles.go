package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"servimatch/internal/domain"
	"servimatch/internal/events"
	"servimatch/internal/repo"
)

// SwitchCheck lists every reason a role switch would be refused right now.
type SwitchCheck struct {
	UserID      string                  `json:"user_id"`
	CurrentRole domain.Role             `json:"current_role"`
	TargetRole  domain.Role             `json:"target_role"`
	Allowed     bool                    `json:"allowed"`
	Reasons     []domain.BlockingReason `json:"blocking_reasons"`
}

func (e Engine) CanSwitch(ctx context.Context, userID string, target domain.Role) (SwitchCheck, error) {
	if err := checkSwitchArgs(userID, target); err != nil {
		return SwitchCheck{}, err
	}
	current, err := e.currentRole(ctx, nil, userID)
	if err != nil {
		return SwitchCheck{}, e.read("can_switch", err)
	}
	check := SwitchCheck{UserID: userID, CurrentRole: current, TargetRole: target, Reasons: []domain.BlockingReason{}}
	if current != target {
		check.Reasons, err = e.switchReasons(ctx, nil, userID, e.now())
		if err != nil {
			return SwitchCheck{}, e.read("can_switch", err)
		}
	}
	check.Allowed = len(check.Reasons) == 0
	return check, nil
}

// Switch changes the user's active role. The blocking check is repeated
// inside the write transaction. A refused switch is recorded in its own
// transaction after the failed one rolls back.
func (e Engine) Switch(ctx context.Context, userID string, target domain.Role, reason string) (domain.RoleState, error) {
	if err := checkSwitchArgs(userID, target); err != nil {
		return domain.RoleState{}, err
	}
	var state domain.RoleState
	err := e.withTx(ctx, "switch_role", func(tx *sql.Tx) error {
		now := e.now()
		stamp := repo.Stamp(now)
		if err := e.Repo.EnsureUser(ctx, tx, userID, stamp); err != nil {
			return err
		}
		u, err := e.Repo.GetUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.ActiveRole != target {
			reasons, err := e.switchReasons(ctx, tx, userID, now)
			if err != nil {
				return err
			}
			if len(reasons) > 0 {
				return &domain.SwitchBlockedError{UserID: userID, Target: target, Reasons: reasons}
			}
			rec := domain.RoleSwitchRecord{
				ID:        newID("rsw"),
				UserID:    userID,
				FromRole:  u.ActiveRole,
				ToRole:    target,
				Reason:    reason,
				CreatedAt: stamp,
			}
			if err := e.Repo.InsertRoleSwitch(ctx, tx, rec); err != nil {
				return fmt.Errorf("insert role switch: %w", err)
			}
			if err := e.Repo.SetActiveRole(ctx, tx, userID, target, stamp); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.RoleSwitched, "user", userID, userID,
				events.EventPayload{"from": u.ActiveRole, "to": target}); err != nil {
				return err
			}
		}
		state, err = e.roleState(ctx, tx, userID)
		return err
	})
	var blocked *domain.SwitchBlockedError
	if errors.As(err, &blocked) {
		e.recordBlockedSwitch(ctx, blocked)
	}
	if err != nil {
		return domain.RoleState{}, err
	}
	return state, nil
}

func (e Engine) recordBlockedSwitch(ctx context.Context, blocked *domain.SwitchBlockedError) {
	bctx := context.WithoutCancel(ctx)
	err := e.withTx(bctx, "record_blocked_switch", func(tx *sql.Tx) error {
		return e.Events.Notify(bctx, tx, blocked.UserID, events.RoleSwitchBlocked, "user", blocked.UserID, blocked.UserID,
			events.EventPayload{"target": blocked.Target, "reasons": blocked.Reasons})
	})
	if err != nil {
		e.log().Warn("record blocked role switch", "user_id", blocked.UserID, "error", err)
	}
}

func (e Engine) GetRoleState(ctx context.Context, userID string) (domain.RoleState, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.RoleState{}, domain.Invalid("user_id", "is required")
	}
	st, err := e.roleState(ctx, nil, userID)
	return st, e.read("role_state", err)
}

func (e Engine) roleState(ctx context.Context, tx *sql.Tx, userID string) (domain.RoleState, error) {
	role, err := e.currentRole(ctx, tx, userID)
	if err != nil {
		return domain.RoleState{}, err
	}
	history, err := e.Repo.ListRoleSwitches(ctx, tx, userID)
	if err != nil {
		return domain.RoleState{}, err
	}
	if history == nil {
		history = []domain.RoleSwitchRecord{}
	}
	return domain.RoleState{UserID: userID, ActiveRole: role, History: history}, nil
}

// currentRole treats an unseen user as a client.
func (e Engine) currentRole(ctx context.Context, tx *sql.Tx, userID string) (domain.Role, error) {
	u, err := e.Repo.GetUser(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RoleClient, nil
	}
	if err != nil {
		return "", err
	}
	return u.ActiveRole, nil
}

// requireRole checks the acting role when the policy enforces it.
func (e Engine) requireRole(ctx context.Context, tx *sql.Tx, userID string, want domain.Role) error {
	if e.Config == nil || !e.Config.Policy.EnforceActiveRole {
		return nil
	}
	role, err := e.currentRole(ctx, tx, userID)
	if err != nil {
		return err
	}
	if role != want {
		return fmt.Errorf("%w: %s is acting as %s, needs %s", domain.ErrWrongRole, userID, role, want)
	}
	return nil
}

func (e Engine) switchReasons(ctx context.Context, tx *sql.Tx, userID string, now time.Time) ([]domain.BlockingReason, error) {
	conns, err := e.Repo.InProgressConnections(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	reasons := []domain.BlockingReason{}
	if len(conns) > 0 {
		ids := make([]string, 0, len(conns))
		for _, c := range conns {
			p, _ := c.PartyOf(userID)
			ids = append(ids, c.Counterpart(p))
		}
		names, err := e.Repo.UserNames(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range conns {
			p, _ := c.PartyOf(userID)
			other := c.Counterpart(p)
			reasons = append(reasons, domain.BlockingReason{
				Kind:            domain.ReasonServiceInProgress,
				ConnectionID:    c.ID,
				CounterpartID:   other,
				CounterpartName: names[other],
			})
		}
	}
	overdue, err := e.overdueReasons(ctx, tx, userID, now)
	if err != nil {
		return nil, err
	}
	return append(reasons, overdue...), nil
}

func checkSwitchArgs(userID string, target domain.Role) error {
	if strings.TrimSpace(userID) == "" {
		return domain.Invalid("user_id", "is required")
	}
	if !target.Valid() {
		return domain.Invalid("target_role", "must be provider or client")
	}
	return nil
}

// SetDisplayName sets the name counterpart listings show for a user.
func (e Engine) SetDisplayName(ctx context.Context, userID, name string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, domain.Invalid("user_id", "is required")
	}
	if len(name) > 200 {
		return domain.User{}, domain.Invalid("display_name", "must have at most 200 characters")
	}
	var u domain.User
	err := e.withTx(ctx, "set_display_name", func(tx *sql.Tx) error {
		stamp := e.stamp()
		if err := e.Repo.EnsureUser(ctx, tx, userID, stamp); err != nil {
			return err
		}
		if err := e.Repo.SetDisplayName(ctx, tx, userID, strings.TrimSpace(name), stamp); err != nil {
			return err
		}
		var err error
		u, err = e.Repo.GetUser(ctx, tx, userID)
		return err
	})
	return u, err
}
