package httpapi

import (
	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
)

type investmentPayload struct {
	InvestmentID                string `json:"investment_id"`
	ProjectID                   string `json:"project_id"`
	InvestorID                  string `json:"investor_id"`
	AmountCents                 int64  `json:"amount_cents"`
	Amount                      string `json:"amount"`
	Currency                    string `json:"currency"`
	PaymentMethod               string `json:"payment_method"`
	Status                      string `json:"status"`
	FailureReason               string `json:"failure_reason,omitempty"`
	PaymentIntentID             string `json:"payment_intent_id,omitempty"`
	ReservationExpiresAtUnixUTC int64  `json:"reservation_expires_at_unix_utc"`
	CreatedUnixUTC              int64  `json:"created_unix_utc"`
	UpdatedUnixUTC              int64  `json:"updated_unix_utc"`
	FinalizedUnixUTC            int64  `json:"finalized_unix_utc,omitempty"`
}

func newInvestmentPayload(record investment.Investment) investmentPayload {
	return investmentPayload{
		InvestmentID:                record.ID.String(),
		ProjectID:                   record.ProjectID.String(),
		InvestorID:                  record.InvestorID.String(),
		AmountCents:                 record.Amount.Int64(),
		Amount:                      investment.FormatAmount(record.Amount.Int64()),
		Currency:                    record.Currency,
		PaymentMethod:               record.PaymentMethod.String(),
		Status:                      record.Status.String(),
		FailureReason:               record.FailureReason.String(),
		PaymentIntentID:             record.PaymentIntentID,
		ReservationExpiresAtUnixUTC: record.ReservationExpiresAtUnixUTC,
		CreatedUnixUTC:              record.CreatedUnixUTC,
		UpdatedUnixUTC:              record.UpdatedUnixUTC,
		FinalizedUnixUTC:            record.FinalizedUnixUTC,
	}
}

type fundingPayload struct {
	ProjectID          string `json:"project_id"`
	Status             string `json:"status"`
	TargetCents        int64  `json:"target_cents"`
	FundedCents        int64  `json:"funded_cents"`
	ReservedCents      int64  `json:"reserved_cents"`
	AvailableCents     int64  `json:"available_cents"`
	MinInvestmentCents int64  `json:"min_investment_cents"`
}

func newFundingPayload(snapshot funding.FundingSnapshot) fundingPayload {
	return fundingPayload{
		ProjectID:          snapshot.ProjectID.String(),
		Status:             snapshot.Status.String(),
		TargetCents:        snapshot.TargetAmount.Int64(),
		FundedCents:        snapshot.FundedAmount.Int64(),
		ReservedCents:      snapshot.ReservedAmount.Int64(),
		AvailableCents:     snapshot.Available.Int64(),
		MinInvestmentCents: snapshot.MinInvestment.Int64(),
	}
}
