package server

import (
	"servimatch/internal/domain"
	"servimatch/internal/engine"
)

// Request payloads

type CreateRequestRequest struct {
	CategoryID    string `json:"category_id"`
	Locality      string `json:"locality"`
	Urgency       string `json:"urgency" enum:"low,medium,high,emergency"`
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	BudgetMin     *int64 `json:"budget_min,omitempty"`
	BudgetMax     *int64 `json:"budget_max,omitempty"`
	PreferredDate string `json:"preferred_date,omitempty" example:"2025-03-04"`
	PreferredTime string `json:"preferred_time,omitempty" example:"14:30"`
}

func (r CreateRequestRequest) spec() engine.RequestSpec {
	return engine.RequestSpec{
		CategoryID:    r.CategoryID,
		Locality:      r.Locality,
		Urgency:       domain.Urgency(r.Urgency),
		Title:         r.Title,
		Description:   r.Description,
		BudgetMin:     r.BudgetMin,
		BudgetMax:     r.BudgetMax,
		PreferredDate: r.PreferredDate,
		PreferredTime: r.PreferredTime,
	}
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitInterestRequest struct {
	ProposedPrice *int64 `json:"proposed_price,omitempty"`
	Message       string `json:"message,omitempty"`
}

type AcceptInterestRequest struct {
	FinalPrice *int64 `json:"final_price,omitempty"`
}

type DirectConnectionRequest struct {
	ASID                       string `json:"as_id"`
	AgreedPrice                *int64 `json:"agreed_price,omitempty"`
	RequiresMutualConfirmation *bool  `json:"requires_mutual_confirmation,omitempty"`
}

type ConfirmRequest struct {
	Note string `json:"note,omitempty"`
}

type SubmitReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type SwitchRoleRequest struct {
	TargetRole string `json:"target_role" enum:"provider,client"`
	Reason     string `json:"reason,omitempty"`
}

type DisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// Response payloads

type requestList struct {
	Items []domain.ServiceRequest `json:"items"`
}

type interestList struct {
	Items []domain.ASInterest `json:"items"`
}

type connectionList struct {
	Items []domain.Connection `json:"items"`
}

type obligationList struct {
	Items []domain.ReviewObligation `json:"items"`
}

type reviewList struct {
	Items []domain.Review `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
