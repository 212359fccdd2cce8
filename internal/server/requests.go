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

type requestPath struct {
	ID string `path:"id"`
}

type requestOutput struct {
	Body domain.ServiceRequest `json:"body"`
}

type requestListOutput struct {
	Body requestList `json:"body"`
}

type interestOutput struct {
	Body domain.ASInterest `json:"body"`
}

type interestListOutput struct {
	Body interestList `json:"body"`
}

type acceptOutput struct {
	Body engine.AcceptResult `json:"body"`
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Post a service request as the explorer",
		DefaultStatus: http.StatusCreated,
		Errors:        errorsFor(http.StatusBadRequest, http.StatusLocked, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*requestOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateRequest(ctx, userID, input.Body.spec())
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List service requests, newest first",
		Errors:      errorsFor(http.StatusBadRequest),
	}, func(ctx context.Context, input *struct {
		ExplorerID string `query:"explorer_id"`
		Status     string `query:"status"`
		CategoryID string `query:"category_id"`
		Locality   string `query:"locality"`
		Limit      int    `query:"limit"`
	}) (*requestListOutput, error) {
		items, err := e.ListRequests(ctx, repo.RequestFilters{
			ExplorerID: input.ExplorerID,
			Status:     input.Status,
			CategoryID: input.CategoryID,
			Locality:   input.Locality,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestListOutput{Body: requestList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a service request",
		Errors:      errorsFor(http.StatusNotFound),
	}, func(ctx context.Context, input *requestPath) (*requestOutput, error) {
		req, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Withdraw an active request",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ReasonRequest `json:"body" required:"false"`
	}) (*requestOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		req, err := e.CancelRequest(ctx, input.ID, userID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &requestOutput{Body: req}, nil
	})
}

func registerInterests(api huma.API, e engine.Engine, az auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-interest",
		Method:        http.MethodPost,
		Path:          "/requests/{id}/interests",
		Summary:       "Bid on a request as an AS",
		DefaultStatus: http.StatusCreated,
		Errors:        errorsFor(http.StatusBadRequest, http.StatusNotFound, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitInterestRequest `json:"body"`
	}) (*interestOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.SubmitInterest(ctx, input.ID, userID, engine.Proposal{
			ProposedPrice: input.Body.ProposedPrice,
			Message:       input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &interestOutput{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-interests",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/interests",
		Summary:     "List bids on your request and mark them viewed",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound),
	}, func(ctx context.Context, input *requestPath) (*interestListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := az.RequestOwner(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInterests(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.MarkInterestsViewed(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &interestListOutput{Body: interestList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-interest",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/interests/{interest_id}/accept",
		Summary:     "Accept one bid, rejecting the rest",
		Errors:      errorsFor(http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		ID         string                 `path:"id"`
		InterestID string                 `path:"interest_id"`
		Body       *AcceptInterestRequest `json:"body" required:"false"`
	}) (*acceptOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := az.RequestOwner(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		var price *int64
		if input.Body != nil {
			price = input.Body.FinalPrice
		}
		res, err := e.AcceptInterest(ctx, input.ID, input.InterestID, price)
		if err != nil {
			return nil, handleError(err)
		}
		return &acceptOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-interests",
		Method:      http.MethodGet,
		Path:        "/interests",
		Summary:     "List your own bids",
	}, func(ctx context.Context, _ *struct{}) (*interestListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInterestsByAS(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &interestListOutput{Body: interestList{Items: nonNilSlice(items)}}, nil
	})
}
