package investment

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records state machine operations and alerts.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one state machine operation.
type OperationLog struct {
	Operation    string
	InvestmentID InvestmentID
	ProjectID    string
	Status       string
	Investment   Status
	Alert        string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithGateway registers the gateway serving a payment method.
func WithGateway(method PaymentMethod, gateway Gateway) ServiceOption {
	return func(service *Service) {
		if gateway == nil || method == "" {
			return
		}
		service.gateways[method] = gateway
	}
}

// WithGatewayTimeout overrides DefaultGatewayTimeout.
func WithGatewayTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.gatewayTimeout = timeout
		}
	}
}

// WithEventPublisher wires lifecycle event delivery.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithIDGenerator replaces the uuid generator used for new investments.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithCurrency sets the single currency investments are charged in.
func WithCurrency(currency string) ServiceOption {
	return func(service *Service) {
		if currency != "" {
			service.currency = currency
		}
	}
}
