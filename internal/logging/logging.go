// Package logging adapts the domain operation loggers to zap.
package logging

import (
	"context"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"go.uber.org/zap"
)

// PoolLogger implements funding.OperationLogger.
type PoolLogger struct {
	logger *zap.Logger
}

// NewPoolLogger returns a PoolLogger writing to logger.
func NewPoolLogger(logger *zap.Logger) *PoolLogger {
	return &PoolLogger{logger: nonNil(logger).Named("funding")}
}

func (poolLogger *PoolLogger) LogOperation(_ context.Context, entry funding.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("project_id", entry.ProjectID.String()),
		zap.String("reservation_id", entry.ReservationID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		if available, ok := funding.AvailableFromError(entry.Error); ok {
			fields = append(fields, zap.Int64("available_cents", available.Int64()))
		}
		poolLogger.logger.Warn("funding operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	poolLogger.logger.Info("funding operation", fields...)
}

// InvestmentLogger implements investment.OperationLogger. Alerts are logged at error level.
type InvestmentLogger struct {
	logger *zap.Logger
}

// NewInvestmentLogger returns an InvestmentLogger writing to logger.
func NewInvestmentLogger(logger *zap.Logger) *InvestmentLogger {
	return &InvestmentLogger{logger: nonNil(logger).Named("investment")}
}

func (investmentLogger *InvestmentLogger) LogOperation(_ context.Context, entry investment.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("investment_id", entry.InvestmentID.String()),
		zap.String("project_id", entry.ProjectID),
		zap.String("investment_status", entry.Investment.String()),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	switch {
	case entry.Alert != "":
		investmentLogger.logger.Error("investment alert", append(fields, zap.String("alert", entry.Alert))...)
	case entry.Error != nil:
		investmentLogger.logger.Warn("investment operation failed", fields...)
	default:
		investmentLogger.logger.Info("investment operation", fields...)
	}
}

func nonNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
