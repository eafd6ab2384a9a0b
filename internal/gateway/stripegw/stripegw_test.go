package stripegw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

const testWebhookSecret = "whsec_test"

type stubIntents struct {
	created     *stripe.PaymentIntentParams
	status      stripe.PaymentIntentStatus
	err         error
	cancelledID string
}

func (intents *stubIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	intents.created = params
	if intents.err != nil {
		return nil, intents.err
	}
	return &stripe.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret"}, nil
}

func (intents *stubIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if intents.err != nil {
		return nil, intents.err
	}
	return &stripe.PaymentIntent{ID: id, Status: intents.status}, nil
}

func (intents *stubIntents) Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	intents.cancelledID = id
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, intents.err
}

func TestCreateIntentSendsIdempotencyKey(test *testing.T) {
	test.Parallel()
	intents := &stubIntents{}
	gateway := mustGateway(test, intents)

	intent, err := gateway.CreateIntent(context.Background(), "inv-1", 15000, "USD")
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if intent.ID != "pi_123" || intent.ClientSecret != "pi_123_secret" {
		test.Fatalf("unexpected intent %+v", intent)
	}
	params := intents.created
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "inv-1" {
		test.Fatalf("expected idempotency key inv-1")
	}
	if *params.Amount != 15000 || *params.Currency != "usd" {
		test.Fatalf("unexpected amount/currency %d/%s", *params.Amount, *params.Currency)
	}
}

func TestGatewayErrorsAreClassified(test *testing.T) {
	test.Parallel()
	intents := &stubIntents{err: &stripe.Error{Type: stripe.ErrorTypeAPI, Msg: "boom"}}
	gateway := mustGateway(test, intents)

	if _, err := gateway.CreateIntent(context.Background(), "inv-1", 100, "usd"); !errors.Is(err, investment.ErrGatewayError) {
		test.Fatalf("expected gateway error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gateway.GetIntentStatus(ctx, "pi_1"); !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context error, got %v", err)
	}
}

func TestIntentStatusMapping(test *testing.T) {
	test.Parallel()
	testCases := map[stripe.PaymentIntentStatus]investment.IntentStatus{
		stripe.PaymentIntentStatusSucceeded:             investment.IntentSucceeded,
		stripe.PaymentIntentStatusCanceled:              investment.IntentFailed,
		stripe.PaymentIntentStatusProcessing:            investment.IntentPending,
		stripe.PaymentIntentStatusRequiresPaymentMethod: investment.IntentPending,
	}
	for stripeStatus, expected := range testCases {
		gateway := mustGateway(test, &stubIntents{status: stripeStatus})
		status, err := gateway.GetIntentStatus(context.Background(), "pi_1")
		if err != nil {
			test.Fatalf("%s: %v", stripeStatus, err)
		}
		if status != expected {
			test.Fatalf("%s: expected %s, got %s", stripeStatus, expected, status)
		}
	}
}

func TestParseWebhookVerifiesSignature(test *testing.T) {
	test.Parallel()
	gateway := mustGateway(test, &stubIntents{})
	testCases := []struct {
		name      string
		eventType string
		secret    string
		expected  investment.IntentStatus
		wantErr   error
	}{
		{name: "succeeded", eventType: "payment_intent.succeeded", secret: testWebhookSecret, expected: investment.IntentSucceeded},
		{name: "failed", eventType: "payment_intent.payment_failed", secret: testWebhookSecret, expected: investment.IntentFailed},
		{name: "canceled", eventType: "payment_intent.canceled", secret: testWebhookSecret, expected: investment.IntentFailed},
		{name: "unrelated", eventType: "charge.refunded", secret: testWebhookSecret, wantErr: investment.ErrIgnoredNotification},
		{name: "bad signature", eventType: "payment_intent.succeeded", secret: "whsec_other", wantErr: investment.ErrInvalidNotification},
	}
	for _, testCase := range testCases {
		payload, header := signedEvent(test, testCase.eventType, testCase.secret)
		notification, err := gateway.ParseWebhook(payload, header)
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		if notification.IntentID != "pi_123" || notification.Outcome != testCase.expected {
			test.Fatalf("%s: unexpected notification %+v", testCase.name, notification)
		}
	}
}

func TestNewWithAPIValidates(test *testing.T) {
	test.Parallel()
	if _, err := NewWithAPI(nil, testWebhookSecret); err == nil {
		test.Fatalf("expected error for nil client")
	}
	if _, err := NewWithAPI(&stubIntents{}, " "); err == nil {
		test.Fatalf("expected error for missing webhook secret")
	}
	if _, err := New(Config{WebhookSecret: testWebhookSecret}); err == nil {
		test.Fatalf("expected error for missing secret key")
	}
}

func signedEvent(test *testing.T, eventType string, secret string) ([]byte, http.Header) {
	test.Helper()
	body := fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":%q,"data":{"object":{"id":"pi_123","object":"payment_intent"}}}`, stripe.APIVersion, eventType)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set(signatureHeader, signed.Header)
	return signed.Payload, header
}

func mustGateway(test *testing.T, intents IntentAPI) *Gateway {
	test.Helper()
	gateway, err := NewWithAPI(intents, testWebhookSecret)
	if err != nil {
		test.Fatalf("gateway: %v", err)
	}
	return gateway
}
