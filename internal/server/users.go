package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/engine/auth"
	"servimatch/internal/repo"
)

type userPath struct {
	ID string `path:"id"`
}

type blockingOutput struct {
	Body engine.BlockingStatus `json:"body"`
}

type roleStateOutput struct {
	Body domain.RoleState `json:"body"`
}

type switchCheckOutput struct {
	Body engine.SwitchCheck `json:"body"`
}

type userOutput struct {
	Body domain.User `json:"body"`
}

type eventListOutput struct {
	Body eventList `json:"body"`
}

// self resolves the principal and requires it to be the user in the path.
func self(ctx context.Context, userID string) (string, error) {
	principal, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := auth.RequireSelf(principal, userID); err != nil {
		return "", handleError(err)
	}
	return principal, nil
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-blocking-status",
		Method:      http.MethodGet,
		Path:        "/users/{id}/blocking",
		Summary:     "Overdue reviews blocking the user",
		Errors:      errorsFor(http.StatusForbidden),
	}, func(ctx context.Context, input *userPath) (*blockingOutput, error) {
		if _, err := self(ctx, input.ID); err != nil {
			return nil, err
		}
		st, err := e.GetBlockingStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &blockingOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/users/{id}/role",
		Summary:     "Active role and switch history",
		Errors:      errorsFor(http.StatusForbidden),
	}, func(ctx context.Context, input *userPath) (*roleStateOutput, error) {
		if _, err := self(ctx, input.ID); err != nil {
			return nil, err
		}
		st, err := e.GetRoleState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &roleStateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-role-switch",
		Method:      http.MethodGet,
		Path:        "/users/{id}/role/check",
		Summary:     "Whether a role switch would be allowed now",
		Errors:      errorsFor(http.StatusBadRequest, http.StatusForbidden),
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Target string `query:"target" enum:"provider,client" required:"true"`
	}) (*switchCheckOutput, error) {
		if _, err := self(ctx, input.ID); err != nil {
			return nil, err
		}
		check, err := e.CanSwitch(ctx, input.ID, domain.Role(input.Target))
		if err != nil {
			return nil, handleError(err)
		}
		return &switchCheckOutput{Body: check}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "switch-role",
		Method:      http.MethodPost,
		Path:        "/users/{id}/role",
		Summary:     "Switch the active role",
		Errors:      errorsFor(http.StatusBadRequest, http.StatusForbidden, http.StatusLocked, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SwitchRoleRequest `json:"body"`
	}) (*roleStateOutput, error) {
		if _, err := self(ctx, input.ID); err != nil {
			return nil, err
		}
		st, err := e.Switch(ctx, input.ID, domain.Role(input.Body.TargetRole), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &roleStateOutput{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-display-name",
		Method:      http.MethodPut,
		Path:        "/users/{id}/name",
		Summary:     "Set the name counterparts see",
		Errors:      errorsFor(http.StatusBadRequest, http.StatusForbidden),
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body DisplayNameRequest `json:"body"`
	}) (*userOutput, error) {
		if _, err := self(ctx, input.ID); err != nil {
			return nil, err
		}
		u, err := e.SetDisplayName(ctx, input.ID, input.Body.DisplayName)
		if err != nil {
			return nil, handleError(err)
		}
		return &userOutput{Body: u}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Latest notifications addressed to you, newest first",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit"`
	}) (*eventListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:        input.Type,
			RecipientID: userID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &eventListOutput{Body: eventList{Items: nonNilSlice(items)}}, nil
	})
}
