// Package httpapi exposes the investment lifecycle over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	adminRole             = "admin"
	maxWebhookBytes int64 = 1 << 20
	defaultTimeout        = 15 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Service is the state machine surface the handlers drive.
type Service interface {
	CreateInvestment(ctx context.Context, request investment.CreateRequest) (investment.CreateResult, error)
	GetInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	ConfirmInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	CancelInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error)
	HandleNotification(ctx context.Context, method investment.PaymentMethod, payload []byte, header map[string][]string) (investment.Investment, error)
	Stats(ctx context.Context) (investment.Stats, error)
	Funding(ctx context.Context, projectID funding.ProjectID) (funding.FundingSnapshot, error)
	Quote(ctx context.Context, projectID funding.ProjectID, amount funding.PositiveAmountCents) (investment.Quote, error)
	PaymentMethods() []investment.PaymentMethod
}

// SessionValidator authenticates /api requests and stores claims under the given key.
type SessionValidator interface {
	GinMiddleware(contextKey string) gin.HandlerFunc
}

// Config holds HTTP settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server owns the HTTP listener.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer wires the router behind an http.Server.
func NewServer(cfg Config, service Service, validator SessionValidator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           NewRouter(cfg, service, validator, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.server.Addr))
		errCh <- server.server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.server.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, service Service, validator SessionValidator, logger *zap.Logger) *gin.Engine {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	handler := &httpHandler{service: service, logger: logger, timeout: cfg.RequestTimeout}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/:method", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/payment-methods", handler.handlePaymentMethods)
	api.POST("/investments", handler.handleCreate)
	api.GET("/investments/stats", handler.handleStats)
	api.GET("/investments/:id", handler.handleGet)
	api.POST("/investments/:id/confirm", handler.handleConfirm)
	api.POST("/investments/:id/cancel", handler.handleCancel)
	api.GET("/projects/:id/funding", handler.handleFunding)
	api.GET("/projects/:id/quote", handler.handleQuote)

	return router
}

type httpHandler struct {
	service Service
	logger  *zap.Logger
	timeout time.Duration
}

type createRequest struct {
	ProjectID     string `json:"project_id"`
	Amount        string `json:"amount"`
	AmountCents   int64  `json:"amount_cents"`
	PaymentMethod string `json:"payment_method"`
}

func (handler *httpHandler) handleCreate(ctx *gin.Context) {
	investorID, ok := requireInvestor(ctx)
	if !ok {
		return
	}
	var request createRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	projectID, err := funding.NewProjectID(request.ProjectID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_project_id", err.Error()))
		return
	}
	amount, err := requestAmount(request)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	method, err := investment.NewPaymentMethod(request.PaymentMethod)
	if err != nil {
		handler.respondError(ctx, err, nil)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.CreateInvestment(requestCtx, investment.CreateRequest{
		ProjectID:     projectID,
		InvestorID:    investorID,
		Amount:        amount,
		PaymentMethod: method,
	})
	if err != nil {
		var failed *investment.Investment
		if result.Investment.Status != "" {
			failed = &result.Investment
		}
		handler.respondError(ctx, err, failed)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"investment":    newInvestmentPayload(result.Investment),
		"client_secret": result.ClientSecret,
	})
}

func (handler *httpHandler) handleGet(ctx *gin.Context) {
	record, ok := handler.loadOwned(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"investment": newInvestmentPayload(record)})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	handler.applyOwned(ctx, handler.service.ConfirmInvestment)
}

func (handler *httpHandler) handleCancel(ctx *gin.Context) {
	handler.applyOwned(ctx, handler.service.CancelInvestment)
}

func (handler *httpHandler) applyOwned(ctx *gin.Context, apply func(context.Context, investment.InvestmentID) (investment.Investment, error)) {
	record, ok := handler.loadOwned(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	updated, err := apply(requestCtx, record.ID)
	if err != nil {
		var current *investment.Investment
		if updated.Status != "" {
			current = &updated
		}
		handler.respondError(ctx, err, current)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"investment": newInvestmentPayload(updated)})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !slices.Contains(claims.GetUserRoles(), adminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	stats, err := handler.service.Stats(requestCtx)
	if err != nil {
		handler.respondError(ctx, err, nil)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_investments":      stats.TotalInvestments,
		"confirmed_investments":  stats.ConfirmedInvestments,
		"confirmed_amount_cents": stats.ConfirmedAmount.Int64(),
		"confirmed_amount":       investment.FormatAmount(stats.ConfirmedAmount.Int64()),
	})
}

func (handler *httpHandler) handleFunding(ctx *gin.Context) {
	projectID, ok := projectParam(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	snapshot, err := handler.service.Funding(requestCtx, projectID)
	if err != nil {
		handler.respondError(ctx, err, nil)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"funding": newFundingPayload(snapshot)})
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	projectID, ok := projectParam(ctx)
	if !ok {
		return
	}
	amount, err := investment.ParseAmount(ctx.Query("amount"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	quote, err := handler.service.Quote(requestCtx, projectID, amount)
	if err != nil {
		handler.respondError(ctx, err, nil)
		return
	}
	payload := gin.H{
		"project_id":            quote.ProjectID.String(),
		"amount_cents":          quote.Amount.Int64(),
		"min_investment_cents":  quote.MinInvestment.Int64(),
		"remaining_cents":       quote.Remaining.Int64(),
		"roi_percent":           quote.ROIPercent.String(),
		"duration_months":       quote.DurationMonths,
		"projected_gain_cents":  quote.ProjectedGain.Int64(),
		"expected_return_cents": quote.ExpectedReturn.Int64(),
		"expected_return":       investment.FormatAmount(quote.ExpectedReturn.Int64()),
		"admissible":            quote.Admissible,
	}
	if quote.Rejection != nil {
		_, code := classifyError(quote.Rejection)
		payload["rejection"] = gin.H{"code": code, "message": quote.Rejection.Error()}
	}
	ctx.JSON(http.StatusOK, gin.H{"quote": payload})
}

func (handler *httpHandler) handlePaymentMethods(ctx *gin.Context) {
	methods := handler.service.PaymentMethods()
	names := make([]string, 0, len(methods))
	for _, method := range methods {
		names = append(names, method.String())
	}
	ctx.JSON(http.StatusOK, gin.H{"payment_methods": names})
}

// handleWebhook answers 2xx for anything that needs no redelivery and 4xx/5xx otherwise.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	method, err := investment.NewPaymentMethod(ctx.Param("method"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, errorResponse("unsupported_payment_method", err.Error()))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	updated, err := handler.service.HandleNotification(requestCtx, method, payload, ctx.Request.Header)
	switch {
	case err == nil:
		ctx.JSON(http.StatusOK, gin.H{"status": "processed", "investment_status": updated.Status.String()})
	case errors.Is(err, investment.ErrIgnoredNotification), errors.Is(err, investment.ErrInvalidStateTransition):
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errors.Is(err, investment.ErrInvalidNotification):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_notification", err.Error()))
	case errors.Is(err, investment.ErrUnsupportedPaymentMethod):
		ctx.JSON(http.StatusNotFound, errorResponse("unsupported_payment_method", err.Error()))
	default:
		handler.respondError(ctx, err, nil)
	}
}

func (handler *httpHandler) loadOwned(ctx *gin.Context) (investment.Investment, bool) {
	investorID, ok := requireInvestor(ctx)
	if !ok {
		return investment.Investment{}, false
	}
	investmentID, err := investment.NewInvestmentID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_investment_id", err.Error()))
		return investment.Investment{}, false
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.service.GetInvestment(requestCtx, investmentID)
	if err != nil {
		handler.respondError(ctx, err, nil)
		return investment.Investment{}, false
	}
	if record.InvestorID != investorID {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_investment", "investment not found"))
		return investment.Investment{}, false
	}
	return record, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error, current *investment.Investment) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	body := errorResponse(code, err.Error())
	if available, ok := funding.AvailableFromError(err); ok {
		body["error"].(gin.H)["available_cents"] = available.Int64()
	}
	if current != nil {
		body["investment"] = newInvestmentPayload(*current)
	}
	ctx.JSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, investment.ErrInsufficientCapacity):
		return http.StatusConflict, "insufficient_capacity"
	case errors.Is(err, investment.ErrBelowMinimum):
		return http.StatusUnprocessableEntity, "below_minimum"
	case errors.Is(err, investment.ErrProjectNotAcceptingFunds):
		return http.StatusConflict, "project_not_accepting_funds"
	case errors.Is(err, investment.ErrUnsupportedPaymentMethod):
		return http.StatusUnprocessableEntity, "unsupported_payment_method"
	case errors.Is(err, investment.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, investment.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, "gateway_timeout"
	case errors.Is(err, investment.ErrGatewayError):
		return http.StatusBadGateway, "gateway_error"
	case errors.Is(err, investment.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, investment.ErrUnknownInvestment):
		return http.StatusNotFound, "unknown_investment"
	case errors.Is(err, investment.ErrUnknownProject):
		return http.StatusNotFound, "unknown_project"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func requestAmount(request createRequest) (funding.PositiveAmountCents, error) {
	if strings.TrimSpace(request.Amount) != "" {
		return investment.ParseAmount(request.Amount)
	}
	amount, err := funding.NewPositiveAmountCents(request.AmountCents)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", investment.ErrInvalidAmount, err)
	}
	return amount, nil
}

func requireInvestor(ctx *gin.Context) (investment.InvestorID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return investment.InvestorID{}, false
	}
	investorID, err := investment.NewInvestorID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return investment.InvestorID{}, false
	}
	return investorID, true
}

func projectParam(ctx *gin.Context) (funding.ProjectID, bool) {
	projectID, err := funding.NewProjectID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_project_id", err.Error()))
		return funding.ProjectID{}, false
	}
	return projectID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
