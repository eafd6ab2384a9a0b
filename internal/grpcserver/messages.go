package grpcserver

import (
	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
)

// CreateInvestmentRequest opens a new investment. Amount takes precedence over AmountCents when set.
type CreateInvestmentRequest struct {
	InvestorID    string `json:"investor_id"`
	ProjectID     string `json:"project_id"`
	Amount        string `json:"amount,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	PaymentMethod string `json:"payment_method"`
}

// InvestmentRequest addresses one investment owned by InvestorID.
type InvestmentRequest struct {
	InvestorID   string `json:"investor_id"`
	InvestmentID string `json:"investment_id"`
}

// InvestmentResponse carries the investment record. ClientSecret is only set by CreateInvestment.
type InvestmentResponse struct {
	InvestmentID                string `json:"investment_id"`
	ProjectID                   string `json:"project_id"`
	InvestorID                  string `json:"investor_id"`
	AmountCents                 int64  `json:"amount_cents"`
	Currency                    string `json:"currency"`
	PaymentMethod               string `json:"payment_method"`
	Status                      string `json:"status"`
	FailureReason               string `json:"failure_reason,omitempty"`
	PaymentIntentID             string `json:"payment_intent_id,omitempty"`
	ClientSecret                string `json:"client_secret,omitempty"`
	ReservationExpiresAtUnixUTC int64  `json:"reservation_expires_at_unix_utc"`
	CreatedUnixUTC              int64  `json:"created_unix_utc"`
	UpdatedUnixUTC              int64  `json:"updated_unix_utc"`
	FinalizedUnixUTC            int64  `json:"finalized_unix_utc,omitempty"`
}

// FundingRequest addresses one project.
type FundingRequest struct {
	ProjectID string `json:"project_id"`
}

// FundingResponse is the pool's view of a project.
type FundingResponse struct {
	ProjectID          string `json:"project_id"`
	Status             string `json:"status"`
	TargetCents        int64  `json:"target_cents"`
	FundedCents        int64  `json:"funded_cents"`
	ReservedCents      int64  `json:"reserved_cents"`
	AvailableCents     int64  `json:"available_cents"`
	MinInvestmentCents int64  `json:"min_investment_cents"`
}

func newInvestmentResponse(record investment.Investment, clientSecret string) *InvestmentResponse {
	return &InvestmentResponse{
		InvestmentID:                record.ID.String(),
		ProjectID:                   record.ProjectID.String(),
		InvestorID:                  record.InvestorID.String(),
		AmountCents:                 record.Amount.Int64(),
		Currency:                    record.Currency,
		PaymentMethod:               record.PaymentMethod.String(),
		Status:                      record.Status.String(),
		FailureReason:               record.FailureReason.String(),
		PaymentIntentID:             record.PaymentIntentID,
		ClientSecret:                clientSecret,
		ReservationExpiresAtUnixUTC: record.ReservationExpiresAtUnixUTC,
		CreatedUnixUTC:              record.CreatedUnixUTC,
		UpdatedUnixUTC:              record.UpdatedUnixUTC,
		FinalizedUnixUTC:            record.FinalizedUnixUTC,
	}
}

func newFundingResponse(snapshot funding.FundingSnapshot) *FundingResponse {
	return &FundingResponse{
		ProjectID:          snapshot.ProjectID.String(),
		Status:             snapshot.Status.String(),
		TargetCents:        snapshot.TargetAmount.Int64(),
		FundedCents:        snapshot.FundedAmount.Int64(),
		ReservedCents:      snapshot.ReservedAmount.Int64(),
		AvailableCents:     snapshot.Available.Int64(),
		MinInvestmentCents: snapshot.MinInvestment.Int64(),
	}
}
