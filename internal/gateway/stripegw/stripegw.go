// Package stripegw adapts Stripe PaymentIntents to investment.Gateway.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

const (
	signatureHeader = "Stripe-Signature"

	eventPaymentSucceeded = stripe.EventType("payment_intent.succeeded")
	eventPaymentFailed    = stripe.EventType("payment_intent.payment_failed")
	eventPaymentCanceled  = stripe.EventType("payment_intent.canceled")
)

// IntentAPI is the subset of the Stripe PaymentIntents client the gateway uses.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// Config holds the Stripe credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Gateway implements investment.Gateway for Stripe.
type Gateway struct {
	intents       IntentAPI
	webhookSecret string
}

// New builds a Gateway backed by the Stripe API.
func New(config Config) (*Gateway, error) {
	if strings.TrimSpace(config.SecretKey) == "" {
		return nil, fmt.Errorf("stripegw: secret key is required")
	}
	api := &client.API{}
	api.Init(config.SecretKey, nil)
	return NewWithAPI(api.PaymentIntents, config.WebhookSecret)
}

// NewWithAPI builds a Gateway around an existing PaymentIntents client.
func NewWithAPI(intents IntentAPI, webhookSecret string) (*Gateway, error) {
	if intents == nil {
		return nil, fmt.Errorf("stripegw: payment intents client is required")
	}
	if strings.TrimSpace(webhookSecret) == "" {
		return nil, fmt.Errorf("stripegw: webhook secret is required")
	}
	return &Gateway{intents: intents, webhookSecret: webhookSecret}, nil
}

// CreateIntent creates a PaymentIntent. The idempotency key makes retries return the same intent.
func (gateway *Gateway) CreateIntent(ctx context.Context, idempotencyKey string, amount funding.PositiveAmountCents, currency string) (investment.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Int64()),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata("investment_id", idempotencyKey)
	intent, err := gateway.intents.New(params)
	if err != nil {
		return investment.Intent{}, classify(ctx, err)
	}
	return investment.Intent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (gateway *Gateway) GetIntentStatus(ctx context.Context, intentID string) (investment.IntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := gateway.intents.Get(intentID, params)
	if err != nil {
		return "", classify(ctx, err)
	}
	return mapIntentStatus(intent.Status), nil
}

func (gateway *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := gateway.intents.Cancel(intentID, params); err != nil {
		return classify(ctx, err)
	}
	return nil
}

// ParseWebhook verifies the Stripe signature and extracts the PaymentIntent outcome.
func (gateway *Gateway) ParseWebhook(payload []byte, header http.Header) (investment.Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(signatureHeader), gateway.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return investment.Notification{}, fmt.Errorf("%w: %v", investment.ErrInvalidNotification, err)
	}
	var outcome investment.IntentStatus
	switch event.Type {
	case eventPaymentSucceeded:
		outcome = investment.IntentSucceeded
	case eventPaymentFailed, eventPaymentCanceled:
		outcome = investment.IntentFailed
	default:
		return investment.Notification{}, fmt.Errorf("%w: event type %s", investment.ErrIgnoredNotification, event.Type)
	}
	var intent stripe.PaymentIntent
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &intent) != nil || intent.ID == "" {
		return investment.Notification{}, fmt.Errorf("%w: missing payment intent", investment.ErrInvalidNotification)
	}
	return investment.Notification{IntentID: intent.ID, Outcome: outcome}, nil
}

func mapIntentStatus(status stripe.PaymentIntentStatus) investment.IntentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return investment.IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return investment.IntentFailed
	default:
		return investment.IntentPending
	}
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: stripe %s: %s", investment.ErrGatewayError, stripeErr.Type, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", investment.ErrGatewayError, err)
}
