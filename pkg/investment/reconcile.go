package investment

import (
	"context"
	"errors"
	"fmt"
)

// ReconcileStale finalizes investments whose reservation deadline has passed without an outcome,
// then expires orphan reservations left in the pool.
func (service *Service) ReconcileStale(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	stale, err := service.store.ListStale(ctx, service.nowFn(), limit)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReconcile, Error: err})
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Scanned: len(stale)}
	var reconcileError error
	for _, candidate := range stale {
		if ctx.Err() != nil {
			reconcileError = errors.Join(reconcileError, ctx.Err())
			break
		}
		updated, err := service.reconcileOne(ctx, candidate)
		if err != nil && !errors.Is(err, ErrInvalidStateTransition) {
			report.Errors++
			reconcileError = errors.Join(reconcileError, fmt.Errorf("investment %s: %w", candidate.ID, err))
			continue
		}
		switch updated.Status {
		case StatusConfirmed:
			report.Confirmed++
		case StatusFailed:
			report.Failed++
		case StatusExpired:
			report.Expired++
		}
	}
	swept, err := service.pool.SweepExpired(ctx, limit)
	report.Swept = swept
	if err != nil {
		report.Errors++
		reconcileError = errors.Join(reconcileError, err)
	}
	service.logOperation(ctx, OperationLog{Operation: operationReconcile, Error: reconcileError})
	return report, reconcileError
}

func (service *Service) reconcileOne(ctx context.Context, investment Investment) (Investment, error) {
	switch investment.Status {
	case StatusPendingReservation:
		return service.finalizeWithoutCommit(ctx, investment, service.pool.Expire, StatusExpired, FailureReservationExpired)
	case StatusIntentCreated:
	default:
		return investment, nil
	}
	gateway, err := service.gateway(investment.PaymentMethod)
	if err != nil {
		return service.finalizeWithoutCommit(ctx, investment, service.pool.Expire, StatusExpired, FailureReservationExpired)
	}
	outcome, err := service.intentStatus(ctx, gateway, investment.PaymentIntentID)
	if err != nil {
		service.logOperation(ctx, OperationLog{
			Operation:    operationReconcile,
			InvestmentID: investment.ID,
			ProjectID:    investment.ProjectID.String(),
			Investment:   investment.Status,
			Error:        err,
		})
		outcome = IntentPending
	}
	switch outcome {
	case IntentSucceeded:
		return service.finalizeSuccess(ctx, investment, service.pool.CommitLate)
	case IntentFailed:
		return service.finalizeWithoutCommit(ctx, investment, service.pool.Release, StatusFailed, FailurePaymentFailed)
	default:
		return service.finalizeWithoutCommit(ctx, investment, service.pool.Expire, StatusExpired, FailureReservationExpired)
	}
}
