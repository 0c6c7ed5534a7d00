package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/points"
)

const claimsContextKey = "auth_claims"

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *points.Service, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loyalty api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
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

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.POST("/spend", handler.handleSpend)
	api.POST("/rollback", handler.handleRollback)

	admin := api.Group("/admin")
	admin.Use(requireRole(cfg.AdminRole))
	admin.POST("/grants", handler.handleGrant)
	admin.POST("/adjustments", handler.handleAdjust)
	admin.POST("/sweeps/maturation", handler.handleSweepMaturation)
	admin.POST("/sweeps/expiration", handler.handleSweepExpiration)

	return router
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, assigned := range claims.GetUserRoles() {
			if assigned == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "role required"))
	}
}

type httpHandler struct {
	logger  *zap.Logger
	service *points.Service
	cfg     Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	asOf, ok := parseInt64Query(ctx, "as_of")
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	snapshot, err := handler.service.GetBalance(requestCtx, userID, asOf)
	if err != nil {
		handler.respondDomainError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(snapshot)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	filter, ok := parseHistoryFilter(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.service.ListHistory(requestCtx, userID, filter)
	if err != nil {
		handler.respondDomainError(ctx, "history fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entryPayloadsFrom(entries)})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	reservationID, err := points.NewReservationID(request.ReservationID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	usage, err := handler.service.Spend(requestCtx, userID, points.Points(request.Amount), reservationID)
	if err != nil {
		handler.respondDomainError(ctx, "spend failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": usagePayloadFrom(usage)})
}

func (handler *httpHandler) handleRollback(ctx *gin.Context) {
	if _, ok := handler.sessionUserID(ctx); !ok {
		return
	}
	var request rollbackRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	usageID, err := points.NewUsageID(request.UsageID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.service.Rollback(requestCtx, usageID, request.Reason); err != nil {
		handler.respondDomainError(ctx, "rollback failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	kind, err := points.ParseSourceKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := points.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entry, err := handler.service.CreateGrant(requestCtx, userID, kind, points.Points(request.BaseAmount), points.GrantContext{
		IsInfluencer:   request.IsInfluencer,
		TierMultiplier: request.TierMultiplier,
		Reason:         request.Reason,
		Metadata:       metadata,
	})
	if err != nil {
		handler.respondDomainError(ctx, "grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryPayloadFrom(entry)})
}

func (handler *httpHandler) handleAdjust(ctx *gin.Context) {
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := points.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	metadata, err := points.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entry, err := handler.service.AdminAdjust(requestCtx, userID, points.Points(request.Amount), request.Reason, metadata)
	if err != nil {
		handler.respondDomainError(ctx, "adjustment failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryPayloadFrom(entry)})
}

func (handler *httpHandler) handleSweepMaturation(ctx *gin.Context) {
	handler.handleSweep(ctx, handler.service.SweepMaturation)
}

func (handler *httpHandler) handleSweepExpiration(ctx *gin.Context) {
	handler.handleSweep(ctx, handler.service.SweepExpiration)
}

func (handler *httpHandler) handleSweep(ctx *gin.Context, sweep func(ctx context.Context, nowUnixUTC int64) (points.SweepReport, error)) {
	asOf, ok := parseInt64Query(ctx, "as_of")
	if !ok {
		return
	}
	if asOf == 0 {
		asOf = time.Now().UTC().Unix()
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	report, err := sweep(requestCtx, asOf)
	if err != nil {
		handler.respondDomainError(ctx, "sweep failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"report": sweepPayloadFrom(report)})
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (points.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return points.UserID{}, false
	}
	userID, err := points.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return points.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, points.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, points.ErrUsageRolledBackOrMissing):
		return http.StatusConflict, "usage_closed"
	case points.IsBusinessError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, points.ErrTransientFailure):
		return http.StatusServiceUnavailable, "try_again"
	case errors.Is(err, points.ErrLedgerCorrupted):
		return http.StatusInternalServerError, "ledger_integrity"
	}
	return http.StatusInternalServerError, "internal"
}

func parseInt64Query(ctx *gin.Context, name string) (int64, bool) {
	raw := ctx.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", fmt.Sprintf("%s must be a unix timestamp", name)))
		return 0, false
	}
	return value, true
}

func parseHistoryFilter(ctx *gin.Context) (points.HistoryFilter, bool) {
	var filter points.HistoryFilter
	before, ok := parseInt64Query(ctx, "before")
	if !ok {
		return filter, false
	}
	filter.BeforeUnixUTC = before
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "limit must be an integer"))
			return filter, false
		}
		filter.Limit = limit
	}
	for _, raw := range ctx.QueryArray("kind") {
		kind, err := points.ParseSourceKind(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
			return filter, false
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	for _, raw := range ctx.QueryArray("status") {
		status, err := points.ParseEntryStatus(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
			return filter, false
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, true
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

type spendRequest struct {
	Amount        int64  `json:"amount"`
	ReservationID string `json:"reservation_id"`
}

type rollbackRequest struct {
	UsageID string `json:"usage_id"`
	Reason  string `json:"reason"`
}

type grantRequest struct {
	UserID         string          `json:"user_id"`
	Kind           string          `json:"kind"`
	BaseAmount     int64           `json:"base_amount"`
	IsInfluencer   bool            `json:"is_influencer"`
	TierMultiplier int64           `json:"tier_multiplier"`
	Reason         string          `json:"reason"`
	Metadata       json.RawMessage `json:"metadata"`
}

type adjustRequest struct {
	UserID   string          `json:"user_id"`
	Amount   int64           `json:"amount"`
	Reason   string          `json:"reason"`
	Metadata json.RawMessage `json:"metadata"`
}

type balancePayload struct {
	TotalEarned      int64 `json:"total_earned"`
	TotalUsed        int64 `json:"total_used"`
	AvailableBalance int64 `json:"available_balance"`
	PendingBalance   int64 `json:"pending_balance"`
	ExpiredBalance   int64 `json:"expired_balance"`
	AsOfUnixUTC      int64 `json:"as_of_unix_utc"`
}

func balancePayloadFrom(snapshot points.BalanceSnapshot) balancePayload {
	return balancePayload{
		TotalEarned:      snapshot.TotalEarned.Int64(),
		TotalUsed:        snapshot.TotalUsed.Int64(),
		AvailableBalance: snapshot.AvailableBalance.Int64(),
		PendingBalance:   snapshot.PendingBalance.Int64(),
		ExpiredBalance:   snapshot.ExpiredBalance.Int64(),
		AsOfUnixUTC:      snapshot.AsOfUnixUTC,
	}
}

type entryPayload struct {
	EntryID              string          `json:"entry_id"`
	Kind                 string          `json:"kind"`
	Amount               int64           `json:"amount"`
	Status               string          `json:"status"`
	AvailableFromUnixUTC int64           `json:"available_from_unix_utc"`
	ExpiresAtUnixUTC     int64           `json:"expires_at_unix_utc"`
	RemainingAmount      int64           `json:"remaining_amount"`
	LinkedUsageID        string          `json:"linked_usage_id,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	Context              json.RawMessage `json:"context"`
	CreatedUnixUTC       int64           `json:"created_unix_utc"`
}

func entryPayloadFrom(entry points.LedgerEntry) entryPayload {
	contextJSON := entry.ContextJSON
	if contextJSON == "" {
		contextJSON = "{}"
	}
	return entryPayload{
		EntryID:              entry.EntryID,
		Kind:                 entry.Kind.String(),
		Amount:               entry.Amount.Int64(),
		Status:               entry.Status.String(),
		AvailableFromUnixUTC: entry.AvailableFromUnixUTC,
		ExpiresAtUnixUTC:     entry.ExpiresAtUnixUTC,
		RemainingAmount:      entry.RemainingAmount.Int64(),
		LinkedUsageID:        entry.LinkedUsageID,
		Reason:               entry.Reason,
		Context:              json.RawMessage(contextJSON),
		CreatedUnixUTC:       entry.CreatedUnixUTC,
	}
}

func entryPayloadsFrom(entries []points.LedgerEntry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayloadFrom(entry))
	}
	return payloads
}

type usagePayload struct {
	UsageID        string           `json:"usage_id"`
	ReservationID  string           `json:"reservation_id"`
	TotalAmount    int64            `json:"total_amount"`
	Status         string           `json:"status"`
	ConsumedFrom   []portionPayload `json:"consumed_from"`
	SpendEntryID   string           `json:"spend_entry_id"`
	CreatedUnixUTC int64            `json:"created_unix_utc"`
}

type portionPayload struct {
	GrantEntryID string `json:"grant_entry_id"`
	AmountDrawn  int64  `json:"amount_drawn"`
}

func usagePayloadFrom(usage points.UsageRecord) usagePayload {
	portions := make([]portionPayload, 0, len(usage.ConsumedFrom))
	for _, portion := range usage.ConsumedFrom {
		portions = append(portions, portionPayload{
			GrantEntryID: portion.GrantEntryID,
			AmountDrawn:  portion.AmountDrawn.Int64(),
		})
	}
	return usagePayload{
		UsageID:        usage.UsageID,
		ReservationID:  usage.ReservationID,
		TotalAmount:    usage.TotalAmount.Int64(),
		Status:         usage.Status.String(),
		ConsumedFrom:   portions,
		SpendEntryID:   usage.SpendEntryID,
		CreatedUnixUTC: usage.CreatedUnixUTC,
	}
}

type sweepPayload struct {
	Scanned      int      `json:"scanned"`
	Transitioned int      `json:"transitioned"`
	Skipped      int      `json:"skipped"`
	Failures     []string `json:"failures,omitempty"`
}

func sweepPayloadFrom(report points.SweepReport) sweepPayload {
	failures := make([]string, 0, len(report.Failures))
	for _, failure := range report.Failures {
		failures = append(failures, failure.EntryID)
	}
	return sweepPayload{
		Scanned:      report.Scanned,
		Transitioned: report.Transitioned,
		Skipped:      report.Skipped,
		Failures:     failures,
	}
}
