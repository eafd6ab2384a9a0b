package investment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/shopspring/decimal"
)

// InvestmentID identifies an investment. It doubles as the reservation id and the gateway idempotency key.
type InvestmentID struct {
	value string
}

// InvestorID identifies the investing user.
type InvestorID struct {
	value string
}

// PaymentMethod selects a registered Gateway.
type PaymentMethod string

// Status is the investment lifecycle status.
type Status string

const (
	StatusPendingReservation Status = "pending_reservation"
	StatusIntentCreated      Status = "intent_created"
	StatusConfirmed          Status = "confirmed"
	StatusFailed             Status = "failed"
	StatusExpired            Status = "expired"
	StatusCancelled          Status = "cancelled"
)

// FailureReason explains a failed or expired investment.
type FailureReason string

const (
	FailureNone                FailureReason = ""
	FailureGatewayError        FailureReason = "gateway_error"
	FailureGatewayTimeout      FailureReason = "gateway_timeout"
	FailurePaymentFailed       FailureReason = "payment_failed"
	FailureTokenExpired        FailureReason = "token_expired"
	FailureReservationExpired  FailureReason = "reservation_expired"
	FailureReservationReleased FailureReason = "reservation_released"
)

// IntentStatus is the authoritative payment outcome reported by a gateway.
type IntentStatus string

const (
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentPending   IntentStatus = "pending"
)

// Investment is one attempt by an investor to fund a project.
type Investment struct {
	ID                          InvestmentID
	ProjectID                   funding.ProjectID
	InvestorID                  InvestorID
	Amount                      funding.PositiveAmountCents
	Currency                    string
	PaymentMethod               PaymentMethod
	Status                      Status
	FailureReason               FailureReason
	PaymentIntentID             string
	ReservationExpiresAtUnixUTC int64
	CreatedUnixUTC              int64
	UpdatedUnixUTC              int64
	FinalizedUnixUTC            int64
}

// Transition is a compare-and-set status write.
type Transition struct {
	InvestmentID    InvestmentID
	From            Status
	To              Status
	FailureReason   FailureReason
	PaymentIntentID string
	AtUnixUTC       int64
}

// Stats aggregates investment attempts for the admin dashboard.
type Stats struct {
	TotalInvestments     int64
	ConfirmedInvestments int64
	ConfirmedAmount      funding.AmountCents
}

// Intent is a created payment intent.
type Intent struct {
	ID           string
	ClientSecret string
}

// Notification is a parsed, verified gateway webhook.
type Notification struct {
	IntentID string
	Outcome  IntentStatus
}

// ProjectDetails is what the catalog exposes about a project.
type ProjectDetails struct {
	Funding        funding.Project
	Name           string
	ROIPercent     decimal.Decimal
	DurationMonths int
}

// Event is a lifecycle event or an operational alert.
type Event struct {
	Type            string
	InvestmentID    string
	ProjectID       string
	InvestorID      string
	Status          Status
	FailureReason   FailureReason
	AmountCents     int64
	Currency        string
	Detail          string
	OccurredUnixUTC int64
}

// CreateRequest carries the caller's intent to invest.
type CreateRequest struct {
	ProjectID     funding.ProjectID
	InvestorID    InvestorID
	Amount        funding.PositiveAmountCents
	PaymentMethod PaymentMethod
}

// CreateResult is returned by CreateInvestment.
type CreateResult struct {
	Investment   Investment
	ClientSecret string
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scanned   int
	Confirmed int
	Failed    int
	Expired   int
	Swept     int
	Errors    int
}

// Store persists investments. Status writes go through TransitionInvestment only.
type Store interface {
	CreateInvestment(ctx context.Context, investment Investment) error
	GetInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error)
	GetInvestmentByIntent(ctx context.Context, intentID string) (Investment, error)
	TransitionInvestment(ctx context.Context, transition Transition) (Investment, error)
	ListStale(ctx context.Context, atUnixUTC int64, limit int) ([]Investment, error)
	Stats(ctx context.Context) (Stats, error)
}

// Gateway is the payment provider contract. Each PaymentMethod maps to one Gateway.
type Gateway interface {
	CreateIntent(ctx context.Context, idempotencyKey string, amount funding.PositiveAmountCents, currency string) (Intent, error)
	GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error)
	CancelIntent(ctx context.Context, intentID string) error
	ParseWebhook(payload []byte, header http.Header) (Notification, error)
}

// ProjectCatalog is the external project collaborator.
type ProjectCatalog interface {
	GetProjectDetails(ctx context.Context, projectID funding.ProjectID) (ProjectDetails, error)
	MarkFunded(ctx context.Context, projectID funding.ProjectID) error
}

// FundingPool is the capacity controller the state machine drives.
type FundingPool interface {
	Reserve(ctx context.Context, projectID funding.ProjectID, reservationID funding.ReservationID, amount funding.PositiveAmountCents) (funding.ReservationToken, error)
	Commit(ctx context.Context, token funding.ReservationToken) (funding.CommitResult, error)
	CommitLate(ctx context.Context, token funding.ReservationToken) (funding.CommitResult, error)
	Release(ctx context.Context, token funding.ReservationToken) error
	Expire(ctx context.Context, token funding.ReservationToken) error
	SweepExpired(ctx context.Context, limit int) (int, error)
	Funding(ctx context.Context, projectID funding.ProjectID) (funding.FundingSnapshot, error)
}

// EventPublisher delivers lifecycle events and alerts.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NewInvestmentID validates and normalizes an investment id.
func NewInvestmentID(raw string) (InvestmentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InvestmentID{}, fmt.Errorf("%w: empty value", ErrInvalidInvestmentID)
	}
	return InvestmentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InvestmentID) String() string {
	return id.value
}

// ReservationID returns the reservation id that holds this investment's capacity.
func (id InvestmentID) ReservationID() (funding.ReservationID, error) {
	return funding.NewReservationID(id.value)
}

// NewInvestorID validates and normalizes an investor id.
func NewInvestorID(raw string) (InvestorID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return InvestorID{}, fmt.Errorf("%w: empty value", ErrInvalidInvestorID)
	}
	return InvestorID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id InvestorID) String() string {
	return id.value
}

// NewPaymentMethod normalizes a payment method name.
func NewPaymentMethod(raw string) (PaymentMethod, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrUnsupportedPaymentMethod)
	}
	return PaymentMethod(normalized), nil
}

// String returns the method name.
func (method PaymentMethod) String() string {
	return string(method)
}

// ParseStatus validates a stored status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	switch status {
	case StatusPendingReservation, StatusIntentCreated, StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// IsTerminal reports whether the status can no longer change.
func (status Status) IsTerminal() bool {
	switch status {
	case StatusConfirmed, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the raw status.
func (status Status) String() string {
	return string(status)
}

// String returns the raw reason.
func (reason FailureReason) String() string {
	return string(reason)
}

// ParseIntentStatus validates a gateway outcome.
func ParseIntentStatus(raw string) (IntentStatus, error) {
	status := IntentStatus(strings.TrimSpace(raw))
	switch status {
	case IntentSucceeded, IntentFailed, IntentPending:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown intent status %q", ErrGatewayError, raw)
	}
}

func (status IntentStatus) String() string {
	return string(status)
}

// ReservationToken rebuilds the pool token held by this investment.
func (investment Investment) ReservationToken() (funding.ReservationToken, error) {
	reservationID, err := investment.ID.ReservationID()
	if err != nil {
		return funding.ReservationToken{}, err
	}
	return funding.ReservationToken{
		ReservationID:    reservationID,
		ProjectID:        investment.ProjectID,
		Amount:           investment.Amount,
		ExpiresAtUnixUTC: investment.ReservationExpiresAtUnixUTC,
	}, nil
}

func (investment Investment) event(eventType string, detail string, occurredUnixUTC int64) Event {
	return Event{
		Type:            eventType,
		InvestmentID:    investment.ID.String(),
		ProjectID:       investment.ProjectID.String(),
		InvestorID:      investment.InvestorID.String(),
		Status:          investment.Status,
		FailureReason:   investment.FailureReason,
		AmountCents:     investment.Amount.Int64(),
		Currency:        investment.Currency,
		Detail:          detail,
		OccurredUnixUTC: occurredUnixUTC,
	}
}
