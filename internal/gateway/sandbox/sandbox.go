// Package sandbox is an in-process payment gateway for local runs and end-to-end tests.
// Intents stay pending until Settle decides them.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Sandbox-Signature"

// Intent is the sandbox record of one payment intent.
type Intent struct {
	ID             string
	IdempotencyKey string
	Amount         funding.PositiveAmountCents
	Currency       string
	Status         investment.IntentStatus
	Cancelled      bool
}

type notificationBody struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

// Gateway implements investment.Gateway in memory.
type Gateway struct {
	mutex   sync.Mutex
	secret  []byte
	intents map[string]*Intent
	byKey   map[string]string
}

// New returns a Gateway that signs and verifies webhooks with secret.
func New(secret string) *Gateway {
	return &Gateway{
		secret:  []byte(secret),
		intents: make(map[string]*Intent),
		byKey:   make(map[string]string),
	}
}

func (gateway *Gateway) CreateIntent(ctx context.Context, idempotencyKey string, amount funding.PositiveAmountCents, currency string) (investment.Intent, error) {
	if err := ctx.Err(); err != nil {
		return investment.Intent{}, err
	}
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	if intentID, ok := gateway.byKey[idempotencyKey]; ok {
		return investment.Intent{ID: intentID, ClientSecret: clientSecret(intentID)}, nil
	}
	intentID := "sbx_" + uuid.NewString()
	gateway.intents[intentID] = &Intent{
		ID:             intentID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Currency:       currency,
		Status:         investment.IntentPending,
	}
	gateway.byKey[idempotencyKey] = intentID
	return investment.Intent{ID: intentID, ClientSecret: clientSecret(intentID)}, nil
}

func (gateway *Gateway) GetIntentStatus(ctx context.Context, intentID string) (investment.IntentStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	intent, ok := gateway.intents[intentID]
	if !ok {
		return "", fmt.Errorf("%w: unknown intent %s", investment.ErrGatewayError, intentID)
	}
	return intent.Status, nil
}

func (gateway *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	intent, ok := gateway.intents[intentID]
	if !ok {
		return fmt.Errorf("%w: unknown intent %s", investment.ErrGatewayError, intentID)
	}
	if intent.Status == investment.IntentSucceeded {
		return fmt.Errorf("%w: intent %s already succeeded", investment.ErrGatewayError, intentID)
	}
	intent.Cancelled = true
	intent.Status = investment.IntentFailed
	return nil
}

// Settle decides a pending intent and returns a signed webhook body announcing the outcome.
func (gateway *Gateway) Settle(intentID string, outcome investment.IntentStatus) ([]byte, http.Header, error) {
	gateway.mutex.Lock()
	intent, ok := gateway.intents[intentID]
	if !ok {
		gateway.mutex.Unlock()
		return nil, nil, fmt.Errorf("%w: unknown intent %s", investment.ErrGatewayError, intentID)
	}
	if intent.Status != investment.IntentPending {
		gateway.mutex.Unlock()
		return nil, nil, fmt.Errorf("%w: intent %s is %s", investment.ErrGatewayError, intentID, intent.Status)
	}
	intent.Status = outcome
	gateway.mutex.Unlock()
	return gateway.Notification(intentID, outcome)
}

// Notification builds a signed webhook body without touching intent state.
func (gateway *Gateway) Notification(intentID string, outcome investment.IntentStatus) ([]byte, http.Header, error) {
	payload, err := json.Marshal(notificationBody{IntentID: intentID, Status: outcome.String()})
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Set(SignatureHeader, gateway.sign(payload))
	return payload, header, nil
}

// Intent returns a copy of the stored intent.
func (gateway *Gateway) Intent(intentID string) (Intent, bool) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	intent, ok := gateway.intents[intentID]
	if !ok {
		return Intent{}, false
	}
	return *intent, true
}

func (gateway *Gateway) ParseWebhook(payload []byte, header http.Header) (investment.Notification, error) {
	expected := gateway.sign(payload)
	if !hmac.Equal([]byte(expected), []byte(header.Get(SignatureHeader))) {
		return investment.Notification{}, fmt.Errorf("%w: signature mismatch", investment.ErrInvalidNotification)
	}
	var body notificationBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return investment.Notification{}, fmt.Errorf("%w: %v", investment.ErrInvalidNotification, err)
	}
	outcome, err := investment.ParseIntentStatus(body.Status)
	if err != nil || body.IntentID == "" {
		return investment.Notification{}, fmt.Errorf("%w: malformed body", investment.ErrInvalidNotification)
	}
	if outcome == investment.IntentPending {
		return investment.Notification{}, fmt.Errorf("%w: pending", investment.ErrIgnoredNotification)
	}
	return investment.Notification{IntentID: body.IntentID, Outcome: outcome}, nil
}

func (gateway *Gateway) sign(payload []byte) string {
	mac := hmac.New(sha256.New, gateway.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func clientSecret(intentID string) string {
	return intentID + "_secret"
}
