package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/fundpool/internal/investd"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL         = "database-url"
	flagFundingStore        = "funding-store"
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagReservationTTL      = "reservation-ttl"
	flagGatewayTimeout      = "gateway-timeout"
	flagRequestTimeout      = "request-timeout"
	flagCurrency            = "currency"
	flagReconcileSchedule   = "reconcile-schedule"
	flagReconcileBatch      = "reconcile-batch"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagSandboxGateway      = "sandbox-gateway"
	flagSandboxSecret       = "sandbox-secret"
	flagRedisURL            = "redis-url"
	flagEventsDriver        = "events-driver"
	flagKafkaBrokers        = "kafka-brokers"
	flagKafkaTopic          = "kafka-topic"
	flagAMQPURL             = "amqp-url"
	flagAMQPExchange        = "amqp-exchange"
	envPrefix               = "INVESTD"
	envFile                 = ".env"
)

var configFlags = []string{
	flagDatabaseURL, flagFundingStore, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagReservationTTL, flagGatewayTimeout,
	flagRequestTimeout, flagCurrency, flagReconcileSchedule, flagReconcileBatch, flagStripeSecretKey,
	flagStripeWebhookSecret, flagSandboxGateway, flagSandboxSecret, flagRedisURL, flagEventsDriver,
	flagKafkaBrokers, flagKafkaTopic, flagAMQPURL, flagAMQPExchange,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "investd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &investd.Config{}
	serve := func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return investd.Run(ctx, *cfg)
	}
	cmd := &cobra.Command{
		Use:           "investd",
		Short:         "Investment lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: serve,
	}
	registerFlags(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and gRPC and run the reconciliation worker (default)",
		RunE:  serve,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			report, err := investd.ReconcileOnce(ctx, *cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d confirmed=%d failed=%d expired=%d swept=%d errors=%d\n",
				report.Scanned, report.Confirmed, report.Failed, report.Expired, report.Swept, report.Errors)
			return nil
		},
	})
	return cmd
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, "", "database URL: postgres://... or sqlite://path (default sqlite:///tmp/fundpool.db)")
	flags.String(flagFundingStore, "", "funding ledger store: gorm or pgx (pgx requires postgres)")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address; empty disables gRPC")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.Duration(flagReservationTTL, 0, "how long a reservation holds capacity (default 15m)")
	flags.Duration(flagGatewayTimeout, 0, "payment gateway call timeout (default 10s)")
	flags.Duration(flagRequestTimeout, 0, "HTTP request timeout (default 15s)")
	flags.String(flagCurrency, "", "ISO currency code for payment intents (default usd)")
	flags.String(flagReconcileSchedule, "", "cron schedule for reconciliation (default @every 30s)")
	flags.Int(flagReconcileBatch, 0, "maximum investments per reconciliation pass (default 100)")
	flags.String(flagStripeSecretKey, "", "Stripe secret key; enables the stripe payment method")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.Bool(flagSandboxGateway, false, "enable the in-process sandbox payment method")
	flags.String(flagSandboxSecret, "", "sandbox webhook signing secret")
	flags.String(flagRedisURL, "", "redis URL for cross-process project locks; empty uses in-process locks")
	flags.String(flagEventsDriver, "", "lifecycle event sink: log, kafka or amqp (default log)")
	flags.String(flagKafkaBrokers, "", "comma-separated kafka brokers")
	flags.String(flagKafkaTopic, "", "kafka topic for lifecycle events")
	flags.String(flagAMQPURL, "", "AMQP URL for lifecycle events")
	flags.String(flagAMQPExchange, "", "AMQP topic exchange for lifecycle events")
}

func loadConfig(cmd *cobra.Command, cfg *investd.Config) error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.FundingStore = strings.TrimSpace(v.GetString(flagFundingStore))
	cfg.HTTPListenAddr = strings.TrimSpace(v.GetString(flagHTTPListenAddr))
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AllowedOrigins = investd.ParseList(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	cfg.GatewayTimeout = v.GetDuration(flagGatewayTimeout)
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.Currency = strings.TrimSpace(v.GetString(flagCurrency))
	cfg.ReconcileSchedule = strings.TrimSpace(v.GetString(flagReconcileSchedule))
	cfg.ReconcileBatch = v.GetInt(flagReconcileBatch)
	cfg.StripeSecretKey = strings.TrimSpace(v.GetString(flagStripeSecretKey))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.SandboxGateway = v.GetBool(flagSandboxGateway)
	cfg.SandboxSecret = v.GetString(flagSandboxSecret)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.EventsDriver = strings.TrimSpace(v.GetString(flagEventsDriver))
	cfg.KafkaBrokers = investd.ParseList(v.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(flagKafkaTopic))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = strings.TrimSpace(v.GetString(flagAMQPExchange))

	return cfg.Validate()
}
