package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/internal/gateway/sandbox"
	"github.com/MarkoPoloResearchLab/fundpool/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	testSigningKey    = "secret-key"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
	testWebhookSecret = "sandbox-secret"
	methodSandbox     = "sandbox"
)

type apiHarness struct {
	server  *httptest.Server
	gateway *sandbox.Gateway
}

func TestInvestmentLifecycleOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test, 100000, 90000)
	cookie := sessionCookie(test, "investor-1")

	status, body := harness.do(test, http.MethodPost, "/api/investments", cookie, map[string]any{
		"project_id": "project-1", "amount": "150.00", "payment_method": methodSandbox,
	})
	if status != http.StatusConflict || errorCode(body) != "insufficient_capacity" {
		test.Fatalf("expected capacity rejection, got %d %v", status, body)
	}
	if available := body["error"].(map[string]any)["available_cents"]; available != float64(10000) {
		test.Fatalf("expected available_cents 10000, got %v", available)
	}

	status, body = harness.do(test, http.MethodPost, "/api/investments", cookie, map[string]any{
		"project_id": "project-1", "amount": "100.00", "payment_method": methodSandbox,
	})
	if status != http.StatusCreated || body["client_secret"] == "" {
		test.Fatalf("expected created investment, got %d %v", status, body)
	}
	created := body["investment"].(map[string]any)
	investmentID := created["investment_id"].(string)
	intentID := created["payment_intent_id"].(string)
	if created["status"] != investment.StatusIntentCreated.String() || created["amount"] != "100.00" {
		test.Fatalf("unexpected investment %v", created)
	}

	payload, header, err := harness.gateway.Settle(intentID, investment.IntentSucceeded)
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		status, body = harness.webhook(test, payload, header)
		if status != http.StatusOK || body["investment_status"] != investment.StatusConfirmed.String() {
			test.Fatalf("webhook %d: got %d %v", attempt, status, body)
		}
	}

	status, body = harness.do(test, http.MethodGet, "/api/investments/"+investmentID, cookie, nil)
	if status != http.StatusOK || body["investment"].(map[string]any)["status"] != investment.StatusConfirmed.String() {
		test.Fatalf("expected confirmed investment, got %d %v", status, body)
	}
	status, body = harness.do(test, http.MethodGet, "/api/projects/project-1/funding", cookie, nil)
	fundingBody := body["funding"].(map[string]any)
	if status != http.StatusOK || fundingBody["funded_cents"] != float64(100000) || fundingBody["status"] != funding.ProjectStatusFunded.String() {
		test.Fatalf("expected fully funded project, got %d %v", status, body)
	}
	status, body = harness.do(test, http.MethodPost, "/api/investments/"+investmentID+"/cancel", cookie, nil)
	if status != http.StatusConflict || errorCode(body) != "invalid_state_transition" {
		test.Fatalf("expected cancel refusal, got %d %v", status, body)
	}
}

func TestConfirmAndCancelOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test, 100000, 0)
	cookie := sessionCookie(test, "investor-1")

	first := harness.mustCreate(test, cookie, "250.00")
	if _, _, err := harness.gateway.Settle(first["payment_intent_id"].(string), investment.IntentSucceeded); err != nil {
		test.Fatalf("settle: %v", err)
	}
	status, body := harness.do(test, http.MethodPost, "/api/investments/"+first["investment_id"].(string)+"/confirm", cookie, nil)
	if status != http.StatusOK || body["investment"].(map[string]any)["status"] != investment.StatusConfirmed.String() {
		test.Fatalf("expected confirm, got %d %v", status, body)
	}

	second := harness.mustCreate(test, cookie, "300.00")
	status, body = harness.do(test, http.MethodPost, "/api/investments/"+second["investment_id"].(string)+"/cancel", cookie, nil)
	if status != http.StatusOK || body["investment"].(map[string]any)["status"] != investment.StatusCancelled.String() {
		test.Fatalf("expected cancel, got %d %v", status, body)
	}
	_, body = harness.do(test, http.MethodGet, "/api/projects/project-1/funding", cookie, nil)
	if available := body["funding"].(map[string]any)["available_cents"]; available != float64(75000) {
		test.Fatalf("expected cancelled capacity back, got %v", available)
	}
}

func TestRequestValidationAndOwnership(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test, 100000, 0)
	owner := sessionCookie(test, "investor-1")
	stranger := sessionCookie(test, "investor-2")
	created := harness.mustCreate(test, owner, "50.00")

	testCases := []struct {
		name     string
		method   string
		path     string
		cookie   *http.Cookie
		payload  map[string]any
		status   int
		wantCode string
	}{
		{name: "no session", method: http.MethodGet, path: "/api/investments/" + created["investment_id"].(string), status: http.StatusUnauthorized},
		{name: "foreign investment", method: http.MethodGet, path: "/api/investments/" + created["investment_id"].(string), cookie: stranger, status: http.StatusNotFound, wantCode: "unknown_investment"},
		{name: "foreign cancel", method: http.MethodPost, path: "/api/investments/" + created["investment_id"].(string) + "/cancel", cookie: stranger, status: http.StatusNotFound, wantCode: "unknown_investment"},
		{name: "below minimum", method: http.MethodPost, path: "/api/investments", cookie: owner, payload: map[string]any{"project_id": "project-1", "amount": "5.00", "payment_method": methodSandbox}, status: http.StatusUnprocessableEntity, wantCode: "below_minimum"},
		{name: "bad amount", method: http.MethodPost, path: "/api/investments", cookie: owner, payload: map[string]any{"project_id": "project-1", "amount": "1.005", "payment_method": methodSandbox}, status: http.StatusBadRequest, wantCode: "invalid_amount"},
		{name: "unknown method", method: http.MethodPost, path: "/api/investments", cookie: owner, payload: map[string]any{"project_id": "project-1", "amount": "50", "payment_method": "paypal"}, status: http.StatusUnprocessableEntity, wantCode: "unsupported_payment_method"},
		{name: "unknown project", method: http.MethodGet, path: "/api/projects/missing/funding", cookie: owner, status: http.StatusNotFound, wantCode: "unknown_project"},
		{name: "stats without admin", method: http.MethodGet, path: "/api/investments/stats", cookie: owner, status: http.StatusForbidden, wantCode: "forbidden"},
	}
	for _, testCase := range testCases {
		status, body := harness.do(test, testCase.method, testCase.path, testCase.cookie, testCase.payload)
		if status != testCase.status || (testCase.wantCode != "" && errorCode(body) != testCase.wantCode) {
			test.Fatalf("%s: expected %d/%s, got %d %v", testCase.name, testCase.status, testCase.wantCode, status, body)
		}
	}
}

func TestWebhookResponses(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test, 100000, 0)
	cookie := sessionCookie(test, "investor-1")
	created := harness.mustCreate(test, cookie, "50.00")
	intentID := created["payment_intent_id"].(string)

	forged, forgedHeader, err := sandbox.New("other-secret").Notification(intentID, investment.IntentSucceeded)
	if err != nil {
		test.Fatalf("notification: %v", err)
	}
	if status, _ := harness.webhook(test, forged, forgedHeader); status != http.StatusBadRequest {
		test.Fatalf("expected forged webhook to be rejected, got %d", status)
	}
	unknown, unknownHeader, err := harness.gateway.Notification("sbx_missing", investment.IntentSucceeded)
	if err != nil {
		test.Fatalf("notification: %v", err)
	}
	if status, _ := harness.webhook(test, unknown, unknownHeader); status != http.StatusNotFound {
		test.Fatalf("expected unknown intent to ask for redelivery, got %d", status)
	}

	if status, _ := harness.do(test, http.MethodPost, "/api/investments/"+created["investment_id"].(string)+"/cancel", cookie, nil); status != http.StatusOK {
		test.Fatalf("cancel failed with %d", status)
	}
	late, lateHeader, err := harness.gateway.Notification(intentID, investment.IntentSucceeded)
	if err != nil {
		test.Fatalf("notification: %v", err)
	}
	status, body := harness.webhook(test, late, lateHeader)
	if status != http.StatusOK || body["status"] != "ignored" {
		test.Fatalf("expected late success to be acknowledged and ignored, got %d %v", status, body)
	}
}

func TestStatsAndQuoteOverHTTP(test *testing.T) {
	test.Parallel()
	harness := newAPIHarness(test, 100000, 0)
	admin := sessionCookie(test, "admin-1", "admin")
	harness.mustCreate(test, admin, "40.00")

	status, body := harness.do(test, http.MethodGet, "/api/investments/stats", admin, nil)
	if status != http.StatusOK || body["total_investments"] != float64(1) || body["confirmed_investments"] != float64(0) {
		test.Fatalf("unexpected stats %d %v", status, body)
	}
	status, body = harness.do(test, http.MethodGet, "/api/projects/project-1/quote?amount=100.00", admin, nil)
	quote := body["quote"].(map[string]any)
	if status != http.StatusOK || quote["projected_gain_cents"] != float64(1250) || quote["admissible"] != true {
		test.Fatalf("unexpected quote %d %v", status, body)
	}
	status, body = harness.do(test, http.MethodGet, "/api/projects/project-1/quote?amount=5", admin, nil)
	quote = body["quote"].(map[string]any)
	if status != http.StatusOK || quote["admissible"] != false || quote["rejection"].(map[string]any)["code"] != "below_minimum" {
		test.Fatalf("expected below minimum quote, got %d %v", status, body)
	}
	status, body = harness.do(test, http.MethodGet, "/api/payment-methods", admin, nil)
	if status != http.StatusOK || len(body["payment_methods"].([]any)) != 1 {
		test.Fatalf("unexpected payment methods %d %v", status, body)
	}
}

func TestCreateRequiresSession(test *testing.T) {
	test.Parallel()
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/api/investments", bytes.NewReader(nil))
	handler := &httpHandler{logger: zap.NewNop(), timeout: time.Second}
	handler.handleCreate(ctx)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func newAPIHarness(test *testing.T, target, funded int64) *apiHarness {
	test.Helper()
	store := memstore.New()
	projectID, err := funding.NewProjectID("project-1")
	if err != nil {
		test.Fatalf("project id: %v", err)
	}
	project, err := funding.NewProject(projectID, funding.PositiveAmountCents(target), funding.AmountCents(funded), 0, 1000, funding.ProjectStatusActive)
	if err != nil {
		test.Fatalf("project: %v", err)
	}
	if err := store.SeedProject(context.Background(), investment.ProjectDetails{
		Funding:        project,
		Name:           "Solar Farm",
		ROIPercent:     decimal.RequireFromString("12.5"),
		DurationMonths: 24,
	}); err != nil {
		test.Fatalf("seed: %v", err)
	}
	now := func() int64 { return time.Now().UTC().Unix() }
	pool, err := funding.NewPool(store, now)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	gateway := sandbox.New(testWebhookSecret)
	service, err := investment.NewService(store, pool, store, now, investment.WithGateway(methodSandbox, gateway))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: testCookieName,
	})
	if err != nil {
		test.Fatalf("validator init failed: %v", err)
	}
	router := NewRouter(Config{AllowedOrigins: []string{"http://localhost:8000"}}, service, validator, zap.NewNop())
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return &apiHarness{server: server, gateway: gateway}
}

func (harness *apiHarness) mustCreate(test *testing.T, cookie *http.Cookie, amount string) map[string]any {
	test.Helper()
	status, body := harness.do(test, http.MethodPost, "/api/investments", cookie, map[string]any{
		"project_id": "project-1", "amount": amount, "payment_method": methodSandbox,
	})
	if status != http.StatusCreated {
		test.Fatalf("create: %d %v", status, body)
	}
	return body["investment"].(map[string]any)
}

func (harness *apiHarness) do(test *testing.T, method, path string, cookie *http.Cookie, payload map[string]any) (int, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode: %v", err)
		}
	}
	request, err := http.NewRequest(method, harness.server.URL+path, &body)
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		request.AddCookie(cookie)
	}
	return harness.send(test, request)
}

func (harness *apiHarness) webhook(test *testing.T, payload []byte, header http.Header) (int, map[string]any) {
	test.Helper()
	request, err := http.NewRequest(http.MethodPost, harness.server.URL+"/webhooks/"+methodSandbox, bytes.NewReader(payload))
	if err != nil {
		test.Fatalf("request init failed: %v", err)
	}
	for key, values := range header {
		request.Header[key] = values
	}
	return harness.send(test, request)
}

func (harness *apiHarness) send(test *testing.T, request *http.Request) (int, map[string]any) {
	test.Helper()
	response, err := harness.server.Client().Do(request)
	if err != nil {
		test.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	decoded := map[string]any{}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		test.Fatalf("failed to decode response: %v", err)
	}
	return response.StatusCode, decoded
}

func sessionCookie(test *testing.T, userID string, roles ...string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func errorCode(body map[string]any) string {
	errorBody, ok := body["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := errorBody["code"].(string)
	return code
}
