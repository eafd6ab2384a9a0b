// Package investd wires the investment service process from configuration.
package investd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/internal/reconcile"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
)

const (
	defaultDatabaseURL       = "sqlite:///tmp/fundpool.db"
	defaultHTTPListenAddr    = ":8080"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultReservationTTL    = 15 * time.Minute
	defaultKafkaTopic        = "investment-events"
	defaultAMQPExchange      = "investment.events"
	defaultRequestTimeout    = 15 * time.Second
	FundingStoreGorm         = "gorm"
	FundingStorePgx          = "pgx"
	EventsDriverLog          = "log"
	EventsDriverKafka        = "kafka"
	EventsDriverAMQP         = "amqp"
	minimumReservationWindow = time.Minute
)

// Config aggregates runtime settings for investd.
type Config struct {
	DatabaseURL         string
	FundingStore        string
	HTTPListenAddr      string
	GRPCListenAddr      string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	ReservationTTL      time.Duration
	GatewayTimeout      time.Duration
	RequestTimeout      time.Duration
	Currency            string
	ReconcileSchedule   string
	ReconcileBatch      int
	StripeSecretKey     string
	StripeWebhookSecret string
	SandboxGateway      bool
	SandboxSecret       string
	RedisURL            string
	EventsDriver        string
	KafkaBrokers        []string
	KafkaTopic          string
	AMQPURL             string
	AMQPExchange        string
}

// Validate fills defaults and rejects configurations the process cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.FundingStore = strings.ToLower(defaultIfEmpty(cfg.FundingStore, FundingStoreGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = strings.TrimSpace(cfg.GRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = investment.DefaultGatewayTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	cfg.Currency = strings.ToLower(defaultIfEmpty(cfg.Currency, investment.DefaultCurrency))
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, reconcile.DefaultSchedule)
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = reconcile.DefaultBatchSize
	}
	cfg.EventsDriver = strings.ToLower(defaultIfEmpty(cfg.EventsDriver, EventsDriverLog))
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)

	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.ReservationTTL < minimumReservationWindow {
		return fmt.Errorf("reservation ttl must be at least %s", minimumReservationWindow)
	}
	if cfg.GatewayTimeout >= cfg.ReservationTTL {
		return fmt.Errorf("gateway timeout %s must be shorter than reservation ttl %s", cfg.GatewayTimeout, cfg.ReservationTTL)
	}
	if cfg.RequestTimeout <= cfg.GatewayTimeout {
		return fmt.Errorf("request timeout %s must be longer than gateway timeout %s", cfg.RequestTimeout, cfg.GatewayTimeout)
	}
	switch cfg.FundingStore {
	case FundingStoreGorm:
	case FundingStorePgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("funding store %q requires a postgres database url", FundingStorePgx)
		}
	default:
		return fmt.Errorf("unsupported funding store %q", cfg.FundingStore)
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" && !cfg.SandboxGateway {
		return fmt.Errorf("at least one payment gateway is required: set a stripe secret key or enable the sandbox gateway")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) != "" && strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required with a stripe secret key")
	}
	if cfg.SandboxGateway && strings.TrimSpace(cfg.SandboxSecret) == "" {
		return fmt.Errorf("sandbox secret is required when the sandbox gateway is enabled")
	}
	switch cfg.EventsDriver {
	case EventsDriverLog:
	case EventsDriverKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka brokers are required for the kafka events driver")
		}
	case EventsDriverAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return fmt.Errorf("amqp url is required for the amqp events driver")
		}
	default:
		return fmt.Errorf("unsupported events driver %q", cfg.EventsDriver)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values such as allowed origins or kafka brokers.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
