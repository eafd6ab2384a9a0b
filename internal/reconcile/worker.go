// Package reconcile runs the stale-investment reconciliation on a cron schedule.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedule   = "@every 30s"
	DefaultBatchSize  = 100
	DefaultRunTimeout = 2 * time.Minute
)

// Reconciler is the state machine surface the worker drives.
type Reconciler interface {
	ReconcileStale(ctx context.Context, limit int) (investment.ReconcileReport, error)
}

// Config controls the schedule and the size of each pass.
type Config struct {
	Schedule   string
	BatchSize  int
	RunTimeout time.Duration
}

// Worker periodically resolves investments whose reservations have outlived their deadline.
type Worker struct {
	reconciler Reconciler
	config     Config
	logger     *zap.Logger
	cron       *cron.Cron
}

// NewWorker validates config and registers the job. Call Start to begin running it.
func NewWorker(reconciler Reconciler, config Config, logger *zap.Logger) (*Worker, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconcile: reconciler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	worker := &Worker{
		reconciler: reconciler,
		config:     config,
		logger:     logger.Named("reconcile"),
	}
	cronLogger := zapCronLogger{logger: worker.logger.Sugar()}
	worker.cron = cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if _, err := worker.cron.AddFunc(config.Schedule, worker.runScheduled); err != nil {
		return nil, fmt.Errorf("reconcile: schedule %q: %w", config.Schedule, err)
	}
	return worker, nil
}

// Start begins the schedule in its own goroutine.
func (worker *Worker) Start() {
	worker.logger.Info("reconciliation worker starting", zap.String("schedule", worker.config.Schedule))
	worker.cron.Start()
}

// Stop halts the schedule and waits for a running pass or ctx, whichever ends first.
func (worker *Worker) Stop(ctx context.Context) error {
	done := worker.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single pass.
func (worker *Worker) RunOnce(ctx context.Context) (investment.ReconcileReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, worker.config.RunTimeout)
	defer cancel()
	started := time.Now()
	report, err := worker.reconciler.ReconcileStale(runCtx, worker.config.BatchSize)
	fields := []zap.Field{
		zap.Int("scanned", report.Scanned),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("failed", report.Failed),
		zap.Int("expired", report.Expired),
		zap.Int("swept", report.Swept),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		worker.logger.Error("reconciliation pass finished with errors", append(fields, zap.Error(err))...)
		return report, err
	}
	if report.Scanned > 0 || report.Swept > 0 {
		worker.logger.Info("reconciliation pass", fields...)
	}
	return report, nil
}

func (worker *Worker) runScheduled() {
	_, _ = worker.RunOnce(context.Background())
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (cronLogger zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	cronLogger.logger.Debugw(msg, keysAndValues...)
}

func (cronLogger zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	cronLogger.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
