package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"servimatch/internal/domain"
	"servimatch/internal/engine"
	"servimatch/internal/engine/auth"
)

type obligationOutput struct {
	Body domain.ReviewObligation `json:"body"`
}

type obligationListOutput struct {
	Body obligationList `json:"body"`
}

type reviewOutput struct {
	Body domain.Review `json:"body"`
}

type reviewListOutput struct {
	Body reviewList `json:"body"`
}

func registerObligations(api huma.API, e engine.Engine, az auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-obligations",
		Method:      http.MethodGet,
		Path:        "/obligations",
		Summary:     "List the reviews you owe",
	}, func(ctx context.Context, input *struct {
		Pending bool `query:"pending"`
	}) (*obligationListOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListObligations(ctx, userID, input.Pending)
		if err != nil {
			return nil, handleError(err)
		}
		return &obligationListOutput{Body: obligationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-obligation",
		Method:      http.MethodGet,
		Path:        "/obligations/{id}",
		Summary:     "Get a review obligation",
		Errors:      errorsFor(http.StatusForbidden, http.StatusNotFound),
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*obligationOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.GetObligation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if o.ASID != userID {
			if err := auth.RequireReviewer(o, userID); err != nil {
				return nil, handleError(err)
			}
		}
		return &obligationOutput{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/obligations/{id}/review",
		Summary:       "Review the AS and close the obligation",
		DefaultStatus: http.StatusCreated,
		Errors:        errorsFor(http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict),
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitReviewRequest `json:"body"`
	}) (*reviewOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := az.Reviewer(ctx, input.ID, userID); err != nil {
			return nil, handleError(err)
		}
		rv, err := e.SubmitReview(ctx, input.ID, engine.ReviewPayload{
			ReviewerID: userID,
			Rating:     input.Body.Rating,
			Comment:    input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewOutput{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}",
		Summary:     "Get a review",
		Errors:      errorsFor(http.StatusNotFound),
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*reviewOutput, error) {
		rv, err := e.GetReview(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewOutput{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-reviews",
		Method:      http.MethodGet,
		Path:        "/users/{id}/reviews",
		Summary:     "Reviews a user received as an AS",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*reviewListOutput, error) {
		items, err := e.ListReviews(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reviewListOutput{Body: reviewList{Items: nonNilSlice(items)}}, nil
	})
}
