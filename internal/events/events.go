// Package events delivers investment lifecycle events and alerts to logs and message brokers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"go.uber.org/zap"
)

const alertTypePrefix = "investment.alert."

// Message is the wire form of an investment.Event.
type Message struct {
	Type          string `json:"type"`
	InvestmentID  string `json:"investment_id"`
	ProjectID     string `json:"project_id"`
	InvestorID    string `json:"investor_id,omitempty"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency,omitempty"`
	Detail        string `json:"detail,omitempty"`
	OccurredAt    int64  `json:"occurred_at"`
}

// NewMessage converts an event to its wire form.
func NewMessage(event investment.Event) Message {
	return Message{
		Type:          event.Type,
		InvestmentID:  event.InvestmentID,
		ProjectID:     event.ProjectID,
		InvestorID:    event.InvestorID,
		Status:        event.Status.String(),
		FailureReason: event.FailureReason.String(),
		AmountCents:   event.AmountCents,
		Currency:      event.Currency,
		Detail:        event.Detail,
		OccurredAt:    event.OccurredUnixUTC,
	}
}

// Encode marshals event as JSON.
func Encode(event investment.Event) ([]byte, error) {
	return json.Marshal(NewMessage(event))
}

// IsAlert reports whether the event is an operational alert rather than a lifecycle change.
func IsAlert(event investment.Event) bool {
	return strings.HasPrefix(event.Type, alertTypePrefix)
}

// LogPublisher writes events to a zap logger. Alerts go out at error level.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a LogPublisher; a nil logger yields a no-op.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (publisher *LogPublisher) Publish(_ context.Context, event investment.Event) error {
	fields := []zap.Field{
		zap.String("event", event.Type),
		zap.String("investment_id", event.InvestmentID),
		zap.String("project_id", event.ProjectID),
		zap.String("status", event.Status.String()),
		zap.Int64("amount_cents", event.AmountCents),
	}
	if event.FailureReason != investment.FailureNone {
		fields = append(fields, zap.String("failure_reason", event.FailureReason.String()))
	}
	if event.Detail != "" {
		fields = append(fields, zap.String("detail", event.Detail))
	}
	if IsAlert(event) {
		publisher.logger.Error("investment alert", append(fields, zap.Bool("alert", true))...)
		return nil
	}
	publisher.logger.Info("investment event", fields...)
	return nil
}

// Fanout publishes every event to each publisher and joins their failures.
type Fanout []investment.EventPublisher

func (fanout Fanout) Publish(ctx context.Context, event investment.Event) error {
	var publishErrors []error
	for _, publisher := range fanout {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			publishErrors = append(publishErrors, err)
		}
	}
	return errors.Join(publishErrors...)
}
