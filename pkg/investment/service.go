package investment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/google/uuid"
)

// Service is the investment state machine and the only writer of investment status.
type Service struct {
	store          Store
	pool           FundingPool
	catalog        ProjectCatalog
	nowFn          func() int64
	gateways       map[PaymentMethod]Gateway
	gatewayTimeout time.Duration
	publisher      EventPublisher
	logger         OperationLogger
	newID          func() string
	currency       string
}

// NewService wires a Service. At least one gateway must be registered with WithGateway.
func NewService(store Store, pool FundingPool, catalog ProjectCatalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pool == nil {
		return nil, fmt.Errorf("%w: funding pool dependency is nil", ErrInvalidServiceConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: project catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		pool:           pool,
		catalog:        catalog,
		nowFn:          now,
		gateways:       make(map[PaymentMethod]Gateway),
		gatewayTimeout: DefaultGatewayTimeout,
		newID:          uuid.NewString,
		currency:       DefaultCurrency,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if len(service.gateways) == 0 {
		return nil, fmt.Errorf("%w: no payment gateway registered", ErrInvalidServiceConfig)
	}
	return service, nil
}

// PaymentMethods lists the registered payment methods.
func (service *Service) PaymentMethods() []PaymentMethod {
	methods := make([]PaymentMethod, 0, len(service.gateways))
	for method := range service.gateways {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(left, right int) bool { return methods[left] < methods[right] })
	return methods
}

// CreateInvestment validates the request, reserves capacity and opens a payment intent.
// Validation and capacity rejections persist nothing.
func (service *Service) CreateInvestment(ctx context.Context, request CreateRequest) (CreateResult, error) {
	result, operationError := service.createInvestment(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:    operationCreate,
		InvestmentID: result.Investment.ID,
		ProjectID:    request.ProjectID.String(),
		Investment:   result.Investment.Status,
		Error:        operationError,
	})
	return result, operationError
}

func (service *Service) createInvestment(ctx context.Context, request CreateRequest) (CreateResult, error) {
	gateway, err := service.gateway(request.PaymentMethod)
	if err != nil {
		return CreateResult{}, err
	}
	if request.Amount <= 0 {
		return CreateResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	details, err := service.catalog.GetProjectDetails(ctx, request.ProjectID)
	if err != nil {
		return CreateResult{}, err
	}
	project := details.Funding
	if project.Status() != funding.ProjectStatusActive {
		return CreateResult{}, fmt.Errorf("%w: status %s", ErrProjectNotAcceptingFunds, project.Status())
	}
	if request.Amount < project.MinInvestment() {
		return CreateResult{}, fmt.Errorf("%w: minimum %d", ErrBelowMinimum, project.MinInvestment())
	}
	investmentID, err := NewInvestmentID(service.newID())
	if err != nil {
		return CreateResult{}, err
	}
	reservationID, err := investmentID.ReservationID()
	if err != nil {
		return CreateResult{}, err
	}
	token, err := service.pool.Reserve(ctx, request.ProjectID, reservationID, request.Amount)
	if err != nil {
		return CreateResult{}, err
	}

	nowUnixUTC := service.nowFn()
	investment := Investment{
		ID:                          investmentID,
		ProjectID:                   request.ProjectID,
		InvestorID:                  request.InvestorID,
		Amount:                      request.Amount,
		Currency:                    service.currency,
		PaymentMethod:               request.PaymentMethod,
		Status:                      StatusPendingReservation,
		ReservationExpiresAtUnixUTC: token.ExpiresAtUnixUTC,
		CreatedUnixUTC:              nowUnixUTC,
		UpdatedUnixUTC:              nowUnixUTC,
	}
	if err := service.store.CreateInvestment(ctx, investment); err != nil {
		releaseCtx, cancel := detachedContext(ctx)
		defer cancel()
		if releaseErr := service.pool.Release(releaseCtx, token); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return CreateResult{}, err
	}
	service.publish(ctx, investment.event(EventCreated, "", nowUnixUTC))

	intent, err := service.createIntent(ctx, gateway, investment)
	if err != nil {
		reason := FailureGatewayError
		if errors.Is(err, ErrGatewayTimeout) {
			reason = FailureGatewayTimeout
		}
		failed, finalizeErr := service.finalizeWithoutCommit(ctx, investment, service.pool.Release, StatusFailed, reason)
		if finalizeErr != nil {
			err = errors.Join(err, finalizeErr)
		}
		return CreateResult{Investment: failed}, err
	}
	updated, err := service.transition(ctx, investment, StatusIntentCreated, FailureNone, intent.ID)
	if err != nil {
		return CreateResult{Investment: investment}, err
	}
	if updated.Status != StatusIntentCreated {
		service.cancelIntent(ctx, gateway, intent.ID)
		return CreateResult{Investment: updated}, nil
	}
	return CreateResult{Investment: updated, ClientSecret: intent.ClientSecret}, nil
}

// ConfirmInvestment re-reads the authoritative intent status and finalizes the investment accordingly.
// Investments that are not waiting on a payment are returned unchanged.
func (service *Service) ConfirmInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error) {
	investment, operationError := service.confirmInvestment(ctx, investmentID)
	service.logOperation(ctx, OperationLog{
		Operation:    operationConfirm,
		InvestmentID: investmentID,
		ProjectID:    investment.ProjectID.String(),
		Investment:   investment.Status,
		Error:        operationError,
	})
	return investment, operationError
}

func (service *Service) confirmInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error) {
	investment, err := service.store.GetInvestment(ctx, investmentID)
	if err != nil {
		return Investment{}, err
	}
	if investment.Status != StatusIntentCreated {
		return investment, nil
	}
	gateway, err := service.gateway(investment.PaymentMethod)
	if err != nil {
		return investment, err
	}
	outcome, err := service.intentStatus(ctx, gateway, investment.PaymentIntentID)
	if err != nil {
		return investment, err
	}
	return service.applyOutcome(ctx, investment, outcome, service.pool.Commit)
}

// HandleNotification applies a gateway webhook. Delivery is at-least-once and in any order.
func (service *Service) HandleNotification(ctx context.Context, method PaymentMethod, payload []byte, header map[string][]string) (Investment, error) {
	investment, operationError := service.handleNotification(ctx, method, payload, header)
	service.logOperation(ctx, OperationLog{
		Operation:    operationNotify,
		InvestmentID: investment.ID,
		ProjectID:    investment.ProjectID.String(),
		Investment:   investment.Status,
		Error:        operationError,
	})
	return investment, operationError
}

func (service *Service) handleNotification(ctx context.Context, method PaymentMethod, payload []byte, header map[string][]string) (Investment, error) {
	gateway, err := service.gateway(method)
	if err != nil {
		return Investment{}, err
	}
	notification, err := gateway.ParseWebhook(payload, header)
	if err != nil {
		return Investment{}, err
	}
	investment, err := service.store.GetInvestmentByIntent(ctx, notification.IntentID)
	if err != nil {
		return Investment{}, err
	}
	if investment.PaymentMethod != method {
		return Investment{}, fmt.Errorf("%w: intent %s belongs to %s", ErrUnknownInvestment, notification.IntentID, investment.PaymentMethod)
	}
	return service.applyOutcome(ctx, investment, notification.Outcome, service.pool.Commit)
}

// CancelInvestment releases the reservation of a non-terminal investment and marks it cancelled.
// A cancel that loses to a commit is refused and the investment converges to confirmed.
func (service *Service) CancelInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error) {
	investment, operationError := service.cancelInvestment(ctx, investmentID)
	service.logOperation(ctx, OperationLog{
		Operation:    operationCancel,
		InvestmentID: investmentID,
		ProjectID:    investment.ProjectID.String(),
		Investment:   investment.Status,
		Error:        operationError,
	})
	return investment, operationError
}

func (service *Service) cancelInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error) {
	investment, err := service.store.GetInvestment(ctx, investmentID)
	if err != nil {
		return Investment{}, err
	}
	return service.finalizeWithoutCommit(ctx, investment, service.pool.Release, StatusCancelled, FailureNone)
}

// GetInvestment loads one investment.
func (service *Service) GetInvestment(ctx context.Context, investmentID InvestmentID) (Investment, error) {
	return service.store.GetInvestment(ctx, investmentID)
}

// Stats returns dashboard aggregates.
func (service *Service) Stats(ctx context.Context) (Stats, error) {
	return service.store.Stats(ctx)
}

// Funding returns the pool's view of a project.
func (service *Service) Funding(ctx context.Context, projectID funding.ProjectID) (funding.FundingSnapshot, error) {
	return service.pool.Funding(ctx, projectID)
}

func (service *Service) applyOutcome(ctx context.Context, investment Investment, outcome IntentStatus, commit commitFunc) (Investment, error) {
	switch outcome {
	case IntentSucceeded:
		return service.finalizeSuccess(ctx, investment, commit)
	case IntentFailed:
		return service.finalizeWithoutCommit(ctx, investment, service.pool.Release, StatusFailed, FailurePaymentFailed)
	default:
		return investment, nil
	}
}

type commitFunc func(ctx context.Context, token funding.ReservationToken) (funding.CommitResult, error)

type closeFunc func(ctx context.Context, token funding.ReservationToken) error

// detachedContext keeps ctx values but drops its cancellation, bounded by finalizeTimeout.
func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// finalizeSuccess takes the pool decision first and writes the status second.
func (service *Service) finalizeSuccess(ctx context.Context, investment Investment, commit commitFunc) (Investment, error) {
	ctx, cancel := detachedContext(ctx)
	defer cancel()
	switch investment.Status {
	case StatusConfirmed:
		return investment, nil
	case StatusFailed, StatusExpired, StatusCancelled:
		err := fmt.Errorf("%w: payment succeeded for %s investment", ErrInvalidStateTransition, investment.Status)
		service.raiseAlert(ctx, investment, AlertCapturedWithoutCommit, err)
		return investment, err
	}
	token, err := investment.ReservationToken()
	if err != nil {
		return investment, err
	}
	result, commitErr := commit(ctx, token)
	switch {
	case commitErr == nil:
		confirmed, err := service.transition(ctx, investment, StatusConfirmed, FailureNone, "")
		if err != nil {
			return investment, err
		}
		if result.FullySubscribed {
			service.markFunded(ctx, investment.ProjectID)
		}
		return confirmed, nil
	case errors.Is(commitErr, funding.ErrAlreadyCommitted):
		confirmed, err := service.transition(ctx, investment, StatusConfirmed, FailureNone, "")
		if err != nil {
			return investment, err
		}
		service.markFundedIfFull(ctx, investment.ProjectID)
		return confirmed, nil
	case errors.Is(commitErr, funding.ErrTokenExpired):
		expired, err := service.transition(ctx, investment, StatusExpired, FailureTokenExpired, "")
		if err != nil {
			return investment, err
		}
		service.raiseAlert(ctx, expired, AlertCapturedWithoutCommit, commitErr)
		return expired, nil
	case errors.Is(commitErr, funding.ErrReservationClosed):
		released, err := service.transition(ctx, investment, StatusFailed, FailureReservationReleased, "")
		if err != nil {
			return investment, err
		}
		service.raiseAlert(ctx, released, AlertCapturedWithoutCommit, commitErr)
		return released, nil
	default:
		return investment, commitErr
	}
}

// finalizeWithoutCommit returns the reservation to the pool and then moves the investment to a terminal status.
// A payment intent left open is cancelled so it cannot be captured afterwards.
func (service *Service) finalizeWithoutCommit(ctx context.Context, investment Investment, closeReservation closeFunc, target Status, reason FailureReason) (Investment, error) {
	ctx, cancel := detachedContext(ctx)
	defer cancel()
	if investment.Status.IsTerminal() {
		if investment.Status == target {
			return investment, nil
		}
		return investment, service.invalidTransition(ctx, investment, target)
	}
	token, err := investment.ReservationToken()
	if err != nil {
		return investment, err
	}
	if err := closeReservation(ctx, token); err != nil {
		if !errors.Is(err, funding.ErrAlreadyCommitted) {
			return investment, err
		}
		confirmed, convergeErr := service.transition(ctx, investment, StatusConfirmed, FailureNone, "")
		if convergeErr != nil {
			return investment, convergeErr
		}
		return confirmed, service.invalidTransition(ctx, confirmed, target)
	}
	updated, err := service.transition(ctx, investment, target, reason, "")
	if err != nil {
		return investment, err
	}
	if updated.Status == target && updated.PaymentIntentID != "" {
		if gateway, gatewayErr := service.gateway(updated.PaymentMethod); gatewayErr == nil {
			service.cancelIntent(ctx, gateway, updated.PaymentIntentID)
		}
	}
	return updated, nil
}

// transition performs a compare-and-set status write. A lost race reloads and returns the winner's state.
func (service *Service) transition(ctx context.Context, investment Investment, target Status, reason FailureReason, intentID string) (Investment, error) {
	if !canTransition(investment.Status, target) {
		return investment, service.invalidTransition(ctx, investment, target)
	}
	nowUnixUTC := service.nowFn()
	updated, err := service.store.TransitionInvestment(ctx, Transition{
		InvestmentID:    investment.ID,
		From:            investment.Status,
		To:              target,
		FailureReason:   reason,
		PaymentIntentID: intentID,
		AtUnixUTC:       nowUnixUTC,
	})
	if errors.Is(err, ErrStaleTransition) {
		return service.store.GetInvestment(ctx, investment.ID)
	}
	if err != nil {
		return investment, err
	}
	if eventType, ok := statusEvents[target]; ok {
		service.publish(ctx, updated.event(eventType, "", nowUnixUTC))
	}
	return updated, nil
}

var statusEvents = map[Status]string{
	StatusConfirmed: EventConfirmed,
	StatusFailed:    EventFailed,
	StatusExpired:   EventExpired,
	StatusCancelled: EventCancelled,
}

func canTransition(from Status, to Status) bool {
	switch from {
	case StatusPendingReservation:
		return to == StatusIntentCreated || to == StatusFailed || to == StatusExpired || to == StatusCancelled
	case StatusIntentCreated:
		return to == StatusConfirmed || to == StatusFailed || to == StatusExpired || to == StatusCancelled
	default:
		return false
	}
}

func (service *Service) invalidTransition(ctx context.Context, investment Investment, target Status) error {
	err := fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, investment.Status, target)
	service.raiseAlert(ctx, investment, AlertInvalidTransition, err)
	return err
}

func (service *Service) raiseAlert(ctx context.Context, investment Investment, alert string, cause error) {
	service.logOperation(ctx, OperationLog{
		Operation:    operationAlert,
		InvestmentID: investment.ID,
		ProjectID:    investment.ProjectID.String(),
		Investment:   investment.Status,
		Alert:        alert,
		Error:        cause,
	})
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	service.publish(ctx, investment.event(alert, detail, service.nowFn()))
}

func (service *Service) gateway(method PaymentMethod) (Gateway, error) {
	gateway, ok := service.gateways[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	return gateway, nil
}

func (service *Service) createIntent(ctx context.Context, gateway Gateway, investment Investment) (Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, service.gatewayTimeout)
	defer cancel()
	intent, err := gateway.CreateIntent(callCtx, investment.ID.String(), investment.Amount, investment.Currency)
	if err != nil {
		return Intent{}, classifyGatewayError(err)
	}
	if intent.ID == "" {
		return Intent{}, fmt.Errorf("%w: empty intent id", ErrGatewayError)
	}
	return intent, nil
}

func (service *Service) intentStatus(ctx context.Context, gateway Gateway, intentID string) (IntentStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, service.gatewayTimeout)
	defer cancel()
	status, err := gateway.GetIntentStatus(callCtx, intentID)
	if err != nil {
		return "", classifyGatewayError(err)
	}
	return status, nil
}

func (service *Service) cancelIntent(ctx context.Context, gateway Gateway, intentID string) {
	callCtx, cancel := context.WithTimeout(ctx, service.gatewayTimeout)
	defer cancel()
	if err := gateway.CancelIntent(callCtx, intentID); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationCancel,
			Error:     fmt.Errorf("cancel intent %s: %w", intentID, classifyGatewayError(err)),
		})
	}
}

func (service *Service) markFunded(ctx context.Context, projectID funding.ProjectID) {
	if err := service.catalog.MarkFunded(ctx, projectID); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationMarkFund,
			ProjectID: projectID.String(),
			Error:     err,
		})
	}
}

func (service *Service) markFundedIfFull(ctx context.Context, projectID funding.ProjectID) {
	snapshot, err := service.pool.Funding(ctx, projectID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationMarkFund, ProjectID: projectID.String(), Error: err})
		return
	}
	if snapshot.Status == funding.ProjectStatusActive && snapshot.FundedAmount.Int64() >= snapshot.TargetAmount.Int64() {
		service.markFunded(ctx, projectID)
	}
}

func (service *Service) publish(ctx context.Context, event Event) {
	if service.publisher == nil {
		return
	}
	if err := service.publisher.Publish(ctx, event); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationPublish,
			ProjectID: event.ProjectID,
			Error:     fmt.Errorf("publish %s: %w", event.Type, err),
		})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func classifyGatewayError(err error) error {
	switch {
	case errors.Is(err, ErrGatewayTimeout), errors.Is(err, ErrGatewayError):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrGatewayError, err)
	}
}
