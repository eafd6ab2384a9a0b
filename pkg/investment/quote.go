package investment

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/shopspring/decimal"
)

const centsExponent = 2

var (
	hundred       = decimal.NewFromInt(100)
	maxAmountCent = decimal.NewFromInt(math.MaxInt64)
)

// Quote is the pre-investment summary shown next to the investment form.
type Quote struct {
	ProjectID      funding.ProjectID
	Amount         funding.PositiveAmountCents
	MinInvestment  funding.PositiveAmountCents
	Remaining      funding.AmountCents
	ROIPercent     decimal.Decimal
	DurationMonths int
	ProjectedGain  funding.AmountCents
	ExpectedReturn funding.AmountCents
	Admissible     bool
	Rejection      error
}

// Quote projects the return on amount and reports whether it would currently be admitted.
func (service *Service) Quote(ctx context.Context, projectID funding.ProjectID, amount funding.PositiveAmountCents) (Quote, error) {
	details, err := service.catalog.GetProjectDetails(ctx, projectID)
	if err != nil {
		return Quote{}, err
	}
	snapshot, err := service.pool.Funding(ctx, projectID)
	if err != nil {
		return Quote{}, err
	}
	gainDecimal := decimal.NewFromInt(amount.Int64()).Mul(details.ROIPercent).Div(hundred).Round(0)
	if gainDecimal.GreaterThan(maxAmountCent.Sub(decimal.NewFromInt(amount.Int64()))) {
		return Quote{}, fmt.Errorf("%w: projected return exceeds the representable range", ErrInvalidAmount)
	}
	gain := gainDecimal.IntPart()
	quote := Quote{
		ProjectID:      projectID,
		Amount:         amount,
		MinInvestment:  snapshot.MinInvestment,
		Remaining:      snapshot.Available,
		ROIPercent:     details.ROIPercent,
		DurationMonths: details.DurationMonths,
		ProjectedGain:  funding.AmountCents(gain),
		ExpectedReturn: funding.AmountCents(amount.Int64() + gain),
	}
	switch {
	case snapshot.Status != funding.ProjectStatusActive:
		quote.Rejection = fmt.Errorf("%w: status %s", ErrProjectNotAcceptingFunds, snapshot.Status)
	case amount < snapshot.MinInvestment:
		quote.Rejection = fmt.Errorf("%w: minimum %d", ErrBelowMinimum, snapshot.MinInvestment)
	case amount.ToAmountCents() > snapshot.Available:
		quote.Rejection = &funding.CapacityError{Available: snapshot.Available}
	default:
		quote.Admissible = true
	}
	return quote, nil
}

// ParseAmount converts a decimal currency string such as "150.00" into minor units.
func ParseAmount(raw string) (funding.PositiveAmountCents, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	cents := value.Shift(centsExponent)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, centsExponent)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if cents.GreaterThan(maxAmountCent) {
		return 0, fmt.Errorf("%w: too large", ErrInvalidAmount)
	}
	return funding.PositiveAmountCents(cents.IntPart()), nil
}

// FormatAmount renders minor units as a fixed two-place decimal string.
func FormatAmount(cents int64) string {
	return decimal.New(cents, -centsExponent).StringFixed(centsExponent)
}
