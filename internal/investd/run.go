package investd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/internal/events"
	"github.com/MarkoPoloResearchLab/fundpool/internal/gateway/sandbox"
	"github.com/MarkoPoloResearchLab/fundpool/internal/gateway/stripegw"
	"github.com/MarkoPoloResearchLab/fundpool/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/fundpool/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fundpool/internal/lock/redislock"
	"github.com/MarkoPoloResearchLab/fundpool/internal/logging"
	"github.com/MarkoPoloResearchLab/fundpool/internal/reconcile"
	"github.com/MarkoPoloResearchLab/fundpool/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fundpool/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	PaymentMethodStripe  = "stripe"
	PaymentMethodSandbox = "sandbox"
	workerStopTimeout    = 10 * time.Second
)

type application struct {
	service *investment.Service
	closers []func() error
	logger  *zap.Logger
}

// Run serves HTTP and, when configured, gRPC until ctx is cancelled. The reconciliation worker runs alongside.
func Run(ctx context.Context, cfg Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	worker, err := reconcile.NewWorker(app.service, reconcile.Config{
		Schedule:  cfg.ReconcileSchedule,
		BatchSize: cfg.ReconcileBatch,
	}, logger)
	if err != nil {
		return err
	}
	worker.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), workerStopTimeout)
		defer cancel()
		if stopErr := worker.Stop(stopCtx); stopErr != nil {
			logger.Warn("reconciliation worker stop", zap.Error(stopErr))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	if cfg.GRPCListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		grpcServer := grpc.NewServer()
		grpcserver.Register(grpcServer, grpcserver.NewInvestmentServer(app.service))
		go func() {
			logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
			if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				errCh <- serveErr
			}
		}()
		defer grpcServer.GracefulStop()
	}

	httpServer := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.HTTPListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, app.service, sessionValidator, logger)
	go func() {
		errCh <- httpServer.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		return <-errCh
	case serveErr := <-errCh:
		return serveErr
	}
}

// ReconcileOnce runs a single reconciliation pass and returns its report.
func ReconcileOnce(ctx context.Context, cfg Config) (investment.ReconcileReport, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return investment.ReconcileReport{}, fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return investment.ReconcileReport{}, err
	}
	defer app.close()

	worker, err := reconcile.NewWorker(app.service, reconcile.Config{BatchSize: cfg.ReconcileBatch}, logger)
	if err != nil {
		return investment.ReconcileReport{}, err
	}
	return worker.RunOnce(ctx)
}

func newRuntime(ctx context.Context, cfg Config, logger *zap.Logger) (_ *application, err error) {
	app := &application{logger: logger}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	db, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, cleanup)
	store := gormstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	fundingStore, err := app.fundingStore(ctx, cfg, store)
	if err != nil {
		return nil, err
	}
	poolOptions := []funding.PoolOption{
		funding.WithReservationTTL(cfg.ReservationTTL),
		funding.WithOperationLogger(logging.NewPoolLogger(logger)),
	}
	if cfg.RedisURL != "" {
		locker, err := app.redisLocker(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		poolOptions = append(poolOptions, funding.WithLocker(locker))
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	pool, err := funding.NewPool(fundingStore, clock, poolOptions...)
	if err != nil {
		return nil, fmt.Errorf("funding pool init: %w", err)
	}

	serviceOptions := []investment.ServiceOption{
		investment.WithGatewayTimeout(cfg.GatewayTimeout),
		investment.WithCurrency(cfg.Currency),
		investment.WithOperationLogger(logging.NewInvestmentLogger(logger)),
	}
	gatewayOptions, err := app.gateways(cfg)
	if err != nil {
		return nil, err
	}
	serviceOptions = append(serviceOptions, gatewayOptions...)
	publisher, err := app.publisher(cfg)
	if err != nil {
		return nil, err
	}
	serviceOptions = append(serviceOptions, investment.WithEventPublisher(publisher))

	app.service, err = investment.NewService(store, pool, store, clock, serviceOptions...)
	if err != nil {
		return nil, fmt.Errorf("investment service init: %w", err)
	}
	return app, nil
}

func (app *application) fundingStore(ctx context.Context, cfg Config, store *gormstore.Store) (funding.Store, error) {
	if cfg.FundingStore != FundingStorePgx {
		return store, nil
	}
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	app.closers = append(app.closers, func() error {
		pgPool.Close()
		return nil
	})
	return pgstore.New(pgPool), nil
}

func (app *application) redisLocker(redisURL string) (*redislock.Locker, error) {
	client, err := redislock.Connect(redisURL)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, client.Close)
	return redislock.New(client, redislock.WithLostHandler(func(projectID funding.ProjectID, lostErr error) {
		app.logger.Error("project lock lost", zap.String("project_id", projectID.String()), zap.Error(lostErr))
	}))
}

func (app *application) gateways(cfg Config) ([]investment.ServiceOption, error) {
	var options []investment.ServiceOption
	if cfg.StripeSecretKey != "" {
		stripeGateway, err := stripegw.New(stripegw.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		options = append(options, investment.WithGateway(PaymentMethodStripe, stripeGateway))
	}
	if cfg.SandboxGateway {
		options = append(options, investment.WithGateway(PaymentMethodSandbox, sandbox.New(cfg.SandboxSecret)))
		app.logger.Warn("sandbox payment gateway enabled")
	}
	return options, nil
}

func (app *application) publisher(cfg Config) (investment.EventPublisher, error) {
	logPublisher := events.NewLogPublisher(app.logger)
	switch cfg.EventsDriver {
	case EventsDriverKafka:
		kafkaPublisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, kafkaPublisher.Close)
		return events.Fanout{logPublisher, kafkaPublisher}, nil
	case EventsDriverAMQP:
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, amqpPublisher.Close)
		return events.Fanout{logPublisher, amqpPublisher}, nil
	default:
		return logPublisher, nil
	}
}

func (app *application) close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			app.logger.Warn("shutdown cleanup", zap.Error(err))
		}
	}
	app.closers = nil
}
