package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/engine/auth"
)

type connectionPath struct {
	ID string `path:"id"`
}

type connectionOutput struct {
	Body domain.Connection `json:"body"`
}

type connectionListOutput struct {
	Body connectionList `json:"body"`
}

type confirmationOutput struct {
	Body engine.ConfirmationResult `json:"body"`
}

type confirmationStatusOutput struct {
	Body engine.ConfirmationStatus `json:"body"`
}

func registerConnections(api huma.API, e engine.Engine, az auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-direct-connection",
		Method:        http.MethodPost,
		Path:          "/connections",
		Summary:       "Connect directly with an AS, without a request",
		DefaultStatus: http.StatusCreated,
		Errors:        errorsFor(http.StatusBadRequest, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		Body DirectConnectionRequest `json:"body"`
	}) (*connectionOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		mutual := true
		if input.Body.RequiresMutualConfirmation != nil {
			mutual = *input.Body.RequiresMutualConfirmation
		}
		c, err := e.CreateDirectConnection(ctx, userID, input.Body.ASID, input.Body.AgreedPrice, mutual)
		if err != nil {
			return nil, handleError(err)
		}
		return &connectionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        "/connections",
		Summary:     "List connections you are a party to",
		Errors:      errorsFor(http.StatusBadRequest),
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*connectionListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListConnections(ctx, userID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &connectionListOutput{Body: connectionList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-connection",
		Method:      http.MethodGet,
		Path:        "/connections/{id}",
		Summary:     "Get a connection",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound),
	}, func(ctx context.Context, input *connectionPath) (*connectionOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, _, err := az.Participant(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &connectionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-connection",
		Method:      http.MethodPost,
		Path:        "/connections/{id}/start",
		Summary:     "Mark the service as in progress",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound, http.StatusConflict),
	}, func(ctx context.Context, input *connectionPath) (*connectionOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := az.Participant(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		c, err := e.MarkInProgress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &connectionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-connection",
		Method:      http.MethodPost,
		Path:        "/connections/{id}/cancel",
		Summary:     "Cancel a connection before completion",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ReasonRequest `json:"body" required:"false"`
	}) (*connectionOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := az.Participant(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		c, err := e.Cancel(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &connectionOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-completion",
		Method:      http.MethodPost,
		Path:        "/connections/{id}/confirm",
		Summary:     "Confirm the service is complete from your side",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ConfirmRequest `json:"body" required:"false"`
	}) (*confirmationOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, party, err := az.Participant(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		note := ""
		if input.Body != nil {
			note = input.Body.Note
		}
		res, err := e.ConfirmCompletion(ctx, input.ID, party, note)
		if err != nil {
			return nil, handleError(err)
		}
		return &confirmationOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-confirmation-status",
		Method:      http.MethodGet,
		Path:        "/connections/{id}/confirmation",
		Summary:     "Confirmation state of both parties",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound),
	}, func(ctx context.Context, input *connectionPath) (*confirmationStatusOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, _, err := az.Participant(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetConfirmationStatus(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &confirmationStatusOutput{Body: st}, nil
	})
}
