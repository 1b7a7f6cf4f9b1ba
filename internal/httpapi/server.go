package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/groeimetai/CVeetje-sub004/internal/payments"
	"github.com/groeimetai/CVeetje-sub004/internal/provider"
	"github.com/groeimetai/CVeetje-sub004/pkg/credits"
)

// Deps carries the wired subsystems the HTTP surface exposes.
type Deps struct {
	Logger   *zap.Logger
	Service  *credits.Service
	Resolver *provider.Resolver
	Webhooks *payments.Processor
	Gateway  payments.Gateway
	Catalog  payments.Catalog
}

func (deps Deps) validate() error {
	if deps.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if deps.Service == nil {
		return fmt.Errorf("credit service is required")
	}
	if deps.Resolver == nil {
		return fmt.Errorf("provider resolver is required")
	}
	if deps.Webhooks == nil {
		return fmt.Errorf("webhook processor is required")
	}
	if deps.Gateway == nil {
		return fmt.Errorf("payment gateway is required")
	}
	if deps.Catalog == nil {
		return fmt.Errorf("credit package catalog is required")
	}
	return nil
}

// Run boots the HTTP API and blocks until the context is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		deps.Logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine with all routes attached.
func NewRouter(cfg Config, deps Deps) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:   deps.Logger,
		service:  deps.Service,
		resolver: deps.Resolver,
		webhooks: deps.Webhooks,
		gateway:  deps.Gateway,
		catalog:  deps.Catalog,
		cfg:      cfg,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	api := router.Group("/api")
	api.Use(sessionValidator.GinMiddleware("auth_claims"))

	api.GET("/session", handler.handleSession)
	api.GET("/credits", handler.handleBalance)
	api.GET("/credits/transactions", handler.handleTransactions)
	api.GET("/packages", handler.handlePackages)
	api.POST("/checkout", handler.handleCheckout)
	api.PUT("/settings/provider", handler.handleProviderSettings)
	api.POST("/admin/credits", handler.handleAdminAdjust)

	return router, nil
}

type httpHandler struct {
	logger   *zap.Logger
	service  *credits.Service
	resolver *provider.Resolver
	webhooks *payments.Processor
	gateway  payments.Gateway
	catalog  payments.Catalog
	cfg      Config
}

// handleSession is the login touchpoint: it provisions the account on first
// sight and applies the monthly free-credit reset. A failed reset is logged
// and retried on the next session, never surfaced to the user.
func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims, accountID, ok := handler.identify(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.GetOrCreateAccount(requestCtx, accountID, claims.GetUserEmail(), claims.GetUserDisplayName())
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	if _, resetErr := handler.service.EnsureMonthlyReset(requestCtx, accountID); resetErr != nil {
		handler.logger.Warn("monthly reset failed",
			zap.String("account_id", accountID.String()), zap.Error(resetErr))
	}
	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":     account.AccountID,
		"email":          claims.GetUserEmail(),
		"display":        claims.GetUserDisplayName(),
		"avatar_url":     claims.GetUserAvatarURL(),
		"execution_mode": string(account.ExecutionMode),
		"balance":        balancePayloadFrom(balance),
		"expires":        claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	_, accountID, ok := handler.identify(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, accountID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	_, accountID, ok := handler.identify(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transactions, err := handler.service.ListTransactions(requestCtx, accountID, time.Time{}, handler.cfg.HistoryLimit)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:     transaction.TransactionID,
			Type:              string(transaction.Type),
			Amount:            transaction.Amount,
			Description:       transaction.Description,
			ExternalPaymentID: transaction.ExternalPaymentID,
			RelatedResourceID: transaction.RelatedResourceID,
			CreatedUnixUTC:    transaction.CreatedAt.UTC().Unix(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	bundles := handler.catalog.Packages()
	payload := make([]packagePayload, 0, len(bundles))
	for _, bundle := range bundles {
		payload = append(payload, packagePayload{
			PackageID:   bundle.PackageID,
			Label:       bundle.Label,
			CreditCount: bundle.CreditCount,
			PriceCents:  bundle.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payload})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	_, accountID, ok := handler.identify(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	bundle, err := handler.catalog.Lookup(request.PackageID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_package", "unknown credit package"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	checkout, err := handler.gateway.CreateCheckoutSession(requestCtx, accountID.String(), bundle)
	if err != nil {
		handler.logger.Error("checkout session failed",
			zap.String("account_id", accountID.String()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("gateway_error", "could not start checkout"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id": checkout.SessionID,
		"url":        checkout.URL,
	})
}

// handleStripeWebhook acknowledges every delivery so the gateway stops
// retrying; the internal outcome only drives logging.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		handler.logger.Warn("webhook body unreadable", zap.Error(err))
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	outcome := handler.webhooks.Process(requestCtx, payload, ctx.GetHeader("Stripe-Signature"))
	handler.logger.Info("webhook processed",
		zap.String("status", string(outcome.Status)),
		zap.String("payment_id", outcome.PaymentID))
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (handler *httpHandler) handleProviderSettings(ctx *gin.Context) {
	_, accountID, ok := handler.identify(ctx)
	if !ok {
		return
	}
	var request providerSettingsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	mode, err := credits.ParseExecutionMode(request.ExecutionMode)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_mode", "execution_mode must be platform or own-key"))
		return
	}
	if mode == credits.ModeOwnKey && request.APIKey == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_api_key", "own-key mode requires api_key"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if mode == credits.ModeOwnKey {
		err = handler.resolver.StoreOwnCredential(requestCtx, accountID, request.APIKey)
	} else {
		err = handler.resolver.StoreOwnCredential(requestCtx, accountID, "")
	}
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"execution_mode": string(mode)})
}

func (handler *httpHandler) handleAdminAdjust(ctx *gin.Context) {
	claims, _, ok := handler.identify(ctx)
	if !ok {
		return
	}
	if !hasRole(claims.GetUserRoles(), handler.cfg.AdminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request adminAdjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	targetID, err := credits.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account_id is required"))
		return
	}
	if request.FreeCredits < 0 || request.PurchasedCredits < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "bucket values must be non-negative"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.AdminAdjust(requestCtx, targetID, request.FreeCredits, request.PurchasedCredits, request.Note)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (handler *httpHandler) identify(ctx *gin.Context) (*sessionvalidator.Claims, credits.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return nil, credits.AccountID{}, false
	}
	accountID, err := credits.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no subject"))
		return nil, credits.AccountID{}, false
	}
	return claims, accountID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondServiceError translates domain errors into user-facing responses.
// Store internals never leak verbatim; anything unrecognized collapses to a
// generic retry message.
func (handler *httpHandler) respondServiceError(ctx *gin.Context, err error) {
	var insufficient credits.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":    "insufficient_credits",
				"message": insufficient.Error(),
				"total":   insufficient.Total,
				"cost":    insufficient.Cost,
			},
		})
	case errors.Is(err, credits.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "account not found"))
	case errors.Is(err, provider.ErrCredentialMissing):
		ctx.JSON(http.StatusBadRequest, errorResponse("credential_missing", "configure an API key in settings"))
	case errors.Is(err, provider.ErrPlatformUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("platform_unavailable", "platform AI is temporarily unavailable"))
	case errors.Is(err, credits.ErrInvalidAmount), errors.Is(err, credits.ErrInvalidExecutionMode), errors.Is(err, credits.ErrInvalidAccountID):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation_error", "invalid request"))
	default:
		handler.logger.Error("credit operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "something went wrong, try again"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func hasRole(roles []string, wanted string) bool {
	for _, role := range roles {
		if role == wanted {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	return balancePayload{
		FreeCredits:      balance.FreeCredits,
		PurchasedCredits: balance.PurchasedCredits,
		Total:            balance.Total(),
	}
}

type checkoutRequest struct {
	PackageID string `json:"package_id"`
}

type providerSettingsRequest struct {
	ExecutionMode string `json:"execution_mode"`
	APIKey        string `json:"api_key"`
}

type adminAdjustRequest struct {
	AccountID        string `json:"account_id"`
	FreeCredits      int64  `json:"free_credits"`
	PurchasedCredits int64  `json:"purchased_credits"`
	Note             string `json:"note"`
}

type balancePayload struct {
	FreeCredits      int64 `json:"free_credits"`
	PurchasedCredits int64 `json:"purchased_credits"`
	Total            int64 `json:"total"`
}

type transactionPayload struct {
	TransactionID     string `json:"transaction_id"`
	Type              string `json:"type"`
	Amount            int64  `json:"amount"`
	Description       string `json:"description"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
	RelatedResourceID string `json:"related_resource_id,omitempty"`
	CreatedUnixUTC    int64  `json:"created_unix_utc"`
}

type packagePayload struct {
	PackageID   string `json:"package_id"`
	Label       string `json:"label"`
	CreditCount int64  `json:"credit_count"`
	PriceCents  int64  `json:"price_cents"`
}
