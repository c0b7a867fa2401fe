package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/MarkoPoloResearchLab/fuelwatch/internal/notify"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/tasks"
	"github.com/MarkoPoloResearchLab/fuelwatch/internal/wshub"
	"github.com/MarkoPoloResearchLab/fuelwatch/pkg/fuelwatch"
)

// Server is the HTTP facade over the fuelwatch service.
type Server struct {
	logger    *zap.Logger
	cfg       Config
	service   *fuelwatch.Service
	store     *gormstore.Store
	hub       *wshub.Hub
	queue     *tasks.Queue
	deliverer *notify.Deliverer
	nowFn     func() time.Time
}

// NewServer wires a Server. The hub, queue, and deliverer are optional; the
// corresponding behaviors degrade to synchronous no-ops without them.
func NewServer(cfg Config, logger *zap.Logger, service *fuelwatch.Service, store *gormstore.Store, hub *wshub.Hub, queue *tasks.Queue, deliverer *notify.Deliverer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:    logger,
		cfg:       cfg.Normalized(),
		service:   service,
		store:     store,
		hub:       hub,
		queue:     queue,
		deliverer: deliverer,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("fuelwatch api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
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

// Router builds the gin engine with every route bound.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/auth/login", server.handleLogin)
	router.GET("/api/receipts/verify", server.handleVerifyReceipt)
	if server.hub != nil {
		router.GET("/ws", func(ctx *gin.Context) {
			server.hub.HandleConnection(ctx.Writer, ctx.Request)
		})
	}

	api := router.Group("/api")
	api.Use(server.authMiddleware())

	api.POST("/transactions", server.handleCreateTransaction)
	api.GET("/transactions/:transaction_id", server.handleGetTransaction)
	api.POST("/transactions/:transaction_id/receipt", server.handleEnsureReceipt)
	api.POST("/tanks/:tank_id/readings", server.handleRecordReading)
	api.GET("/tanks/:tank_id/readings", server.handleListReadings)
	api.POST("/tanks/:tank_id/reconcile", server.handleReconcileTank)
	api.POST("/stations/:station_id/reconcile", server.handleReconcileStation)
	api.POST("/pumps/:pump_id/heartbeat", server.handlePumpHeartbeat)

	api.GET("/stations", server.handleListStations)
	api.GET("/stations/:station_id/tanks", server.handleListTanks)
	api.GET("/stations/:station_id/pumps", server.handleListPumps)
	api.GET("/rules", server.handleListRules)
	api.GET("/anomalies", server.handleListAnomalies)

	ruleAdmin := api.Group("/rules")
	ruleAdmin.Use(requireRole(fuelwatch.RoleAdmin))
	ruleAdmin.POST("", server.handleUpsertRule)

	lifecycle := api.Group("/anomalies")
	lifecycle.Use(requireRole(fuelwatch.RoleAdmin, fuelwatch.RoleOwner, fuelwatch.RoleRegulator))
	lifecycle.POST("/:anomaly_id/acknowledge", server.handleAcknowledgeAnomaly)
	lifecycle.POST("/:anomaly_id/resolve", server.handleResolveAnomaly)

	return router
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (server *Server) handleLogin(ctx *gin.Context) {
	var request loginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "username and password are required"))
		return
	}
	user, err := server.store.GetUserByUsername(ctx.Request.Context(), request.Username)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_credentials", "unknown user or wrong password"))
		return
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(request.Password)) != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_credentials", "unknown user or wrong password"))
		return
	}
	token, err := server.issueToken(user, server.nowFn())
	if err != nil {
		server.logger.Error("token issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("token_error", "could not issue token"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"token": token,
		"user": gin.H{
			"user_id":    user.UserID,
			"username":   user.Username,
			"role":       string(user.Role),
			"station_id": user.StationID,
		},
	})
}

func (server *Server) handleVerifyReceipt(ctx *gin.Context) {
	token := ctx.Query("token")
	if token == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_token_format", "token query parameter is required"))
		return
	}
	receipt, err := server.service.VerifyReceiptToken(ctx.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, fuelwatch.ErrBadTokenFormat):
			ctx.JSON(http.StatusBadRequest, errorResponse("bad_token_format", "token is not a valid receipt token"))
		case errors.Is(err, fuelwatch.ErrUnknownReceipt):
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_receipt", "no receipt matches this token"))
		case errors.Is(err, fuelwatch.ErrSignatureMismatch):
			ctx.JSON(http.StatusConflict, errorResponse("signature_mismatch", "receipt signature does not match"))
		default:
			server.logger.Error("receipt verification failed", zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "verification failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"valid": true,
		"receipt": gin.H{
			"receipt_id":     receipt.ReceiptID,
			"transaction_id": receipt.TransactionID,
			"station_id":     receipt.StationID,
			"amount":         receipt.Amount.StringFixed(2),
			"issued_at":      receipt.IssuedAt.UTC().Format(time.RFC3339),
		},
	})
}

type transactionRequest struct {
	StationID     string          `json:"station_id" binding:"required"`
	PumpID        *string         `json:"pump_id"`
	CustomerPhone *string         `json:"customer_phone"`
	Timestamp     *time.Time      `json:"timestamp"`
	VolumeL       decimal.Decimal `json:"volume_l"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	ExternalRef   *string         `json:"external_ref"`
	RawEvent      map[string]any  `json:"raw_event"`
}

func (server *Server) handleCreateTransaction(ctx *gin.Context) {
	var request transactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)
	input := fuelwatch.TransactionInput{
		StationID:     request.StationID,
		PumpID:        request.PumpID,
		CustomerPhone: request.CustomerPhone,
		VolumeL:       request.VolumeL,
		UnitPrice:     request.UnitPrice,
		TotalAmount:   request.TotalAmount,
		ExternalRef:   request.ExternalRef,
		RawEvent:      request.RawEvent,
	}
	if claims != nil && claims.Role == string(fuelwatch.RoleAttendant) {
		attendantID := claims.UserID
		input.AttendantID = &attendantID
	}
	if request.Timestamp != nil {
		input.Timestamp = *request.Timestamp
	}

	transaction, receipt, err := server.service.CreateTransaction(ctx.Request.Context(), input)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}

	// Rule evaluation and receipt delivery run strictly after the commit.
	server.enqueue(func(jobCtx context.Context) {
		if _, err := server.service.EvaluateTransaction(jobCtx, transaction.TransactionID); err != nil {
			server.logger.Error("transaction evaluation failed",
				zap.String("transaction_id", transaction.TransactionID),
				zap.Error(err))
		}
		if server.deliverer != nil {
			if err := server.deliverer.Deliver(jobCtx, receipt); err != nil {
				server.logger.Error("receipt delivery failed",
					zap.String("receipt_id", receipt.ReceiptID),
					zap.Error(err))
			}
		}
	})

	ctx.JSON(http.StatusCreated, gin.H{
		"transaction": transactionPayload(transaction),
		"receipt":     receiptPayload(receipt),
	})
}

func transactionPayload(transaction fuelwatch.Transaction) gin.H {
	return gin.H{
		"transaction_id": transaction.TransactionID,
		"station_id":     transaction.StationID,
		"pump_id":        transaction.PumpID,
		"timestamp":      transaction.Timestamp.UTC().Format(time.RFC3339),
		"volume_l":       transaction.VolumeL.StringFixed(3),
		"unit_price":     transaction.UnitPrice.String(),
		"total_amount":   transaction.TotalAmount.StringFixed(2),
		"status":         string(transaction.Status),
	}
}

func receiptPayload(receipt fuelwatch.Receipt) gin.H {
	payload := gin.H{
		"receipt_id": receipt.ReceiptID,
		"token":      receipt.Token,
		"amount":     receipt.Amount.StringFixed(2),
		"issued_at":  receipt.IssuedAt.UTC().Format(time.RFC3339),
	}
	if receipt.SentAt != nil {
		payload["sent_at"] = receipt.SentAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func (server *Server) handleGetTransaction(ctx *gin.Context) {
	transaction, err := server.store.GetTransaction(ctx.Request.Context(), ctx.Param("transaction_id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := gin.H{"transaction": transactionPayload(transaction)}
	receipt, err := server.store.GetReceiptByTransaction(ctx.Request.Context(), transaction.TransactionID)
	switch {
	case err == nil:
		payload["receipt"] = receiptPayload(receipt)
	case errors.Is(err, fuelwatch.ErrUnknownReceipt):
		// A transaction may legitimately predate its receipt.
	default:
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, payload)
}

func (server *Server) handleEnsureReceipt(ctx *gin.Context) {
	receipt, err := server.service.EnsureReceipt(ctx.Request.Context(), ctx.Param("transaction_id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": receiptPayload(receipt)})
}

type readingRequest struct {
	LevelL     decimal.Decimal `json:"level_l"`
	MeasuredAt *time.Time      `json:"measured_at"`
	Source     string          `json:"source"`
}

func (server *Server) handleRecordReading(ctx *gin.Context) {
	tankID := ctx.Param("tank_id")
	var request readingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	input := fuelwatch.ReadingInput{
		TankID: tankID,
		LevelL: request.LevelL,
		Source: fuelwatch.ReadingSource(request.Source),
	}
	if request.MeasuredAt != nil {
		input.MeasuredAt = *request.MeasuredAt
	}

	reading, err := server.service.RecordReading(ctx.Request.Context(), input)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}

	// Every new reading triggers a reconciliation pass after the commit.
	server.enqueue(func(jobCtx context.Context) {
		if _, err := server.service.ReconcileTank(jobCtx, tankID, fuelwatch.DefaultReconcileOptions()); err != nil {
			server.logger.Error("post-reading reconciliation failed",
				zap.String("tank_id", tankID),
				zap.Error(err))
		}
	})

	ctx.JSON(http.StatusCreated, gin.H{
		"reading": gin.H{
			"reading_id":  reading.ReadingID,
			"tank_id":     reading.TankID,
			"level_l":     reading.LevelL.StringFixed(3),
			"measured_at": reading.MeasuredAt.UTC().Format(time.RFC3339),
			"source":      string(reading.Source),
		},
	})
}

func (server *Server) handleListReadings(ctx *gin.Context) {
	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	readings, err := server.store.LatestReadings(ctx.Request.Context(), ctx.Param("tank_id"), limit)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(readings))
	for _, reading := range readings {
		payload = append(payload, gin.H{
			"reading_id":  reading.ReadingID,
			"tank_id":     reading.TankID,
			"level_l":     reading.LevelL.StringFixed(3),
			"measured_at": reading.MeasuredAt.UTC().Format(time.RFC3339),
			"source":      string(reading.Source),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"readings": payload})
}

type reconcileRequest struct {
	ThresholdL         *decimal.Decimal `json:"threshold_l"`
	ThresholdPercent   *decimal.Decimal `json:"threshold_percent"`
	CreateAnomalies    *bool            `json:"create_anomalies"`
	SuppressDuplicates *bool            `json:"suppress_duplicates"`
}

func (request reconcileRequest) options() fuelwatch.ReconcileOptions {
	options := fuelwatch.DefaultReconcileOptions()
	if request.ThresholdL != nil {
		options.ThresholdL = *request.ThresholdL
	}
	if request.ThresholdPercent != nil {
		options.ThresholdPercent = *request.ThresholdPercent
	}
	if request.CreateAnomalies != nil {
		options.CreateAnomalies = *request.CreateAnomalies
	}
	if request.SuppressDuplicates != nil {
		options.SuppressDuplicates = *request.SuppressDuplicates
	}
	return options
}

func (server *Server) handleReconcileTank(ctx *gin.Context) {
	var request reconcileRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
	}
	claims := getClaims(ctx)
	var actorID *string
	if claims != nil {
		actorID = &claims.UserID
	}
	result, err := server.service.RequestTankReconcile(ctx.Request.Context(), ctx.Param("tank_id"), actorID, request.options())
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (server *Server) handleReconcileStation(ctx *gin.Context) {
	var request reconcileRequest
	if ctx.Request.ContentLength > 0 {
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
	}
	summary, err := server.service.ReconcileStation(ctx.Request.Context(), ctx.Param("station_id"), request.options())
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, summary)
}

func (server *Server) handlePumpHeartbeat(ctx *gin.Context) {
	pumpID := ctx.Param("pump_id")
	now := server.nowFn()
	if err := server.store.MarkPumpHeartbeat(ctx.Request.Context(), pumpID, now, true); err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"pump_id":        pumpID,
		"last_heartbeat": now.UTC().Format(time.RFC3339),
		"status":         string(fuelwatch.PumpOnline),
	})
}

func (server *Server) handleListStations(ctx *gin.Context) {
	stations, err := server.store.ListStations(ctx.Request.Context())
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(stations))
	for _, station := range stations {
		payload = append(payload, gin.H{
			"station_id": station.StationID,
			"name":       station.Name,
			"code":       station.Code,
			"timezone":   station.Timezone,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"stations": payload})
}

func (server *Server) handleListTanks(ctx *gin.Context) {
	tanks, err := server.store.ListTanksByStation(ctx.Request.Context(), ctx.Param("station_id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(tanks))
	for _, tank := range tanks {
		entry := gin.H{
			"tank_id":         tank.TankID,
			"station_id":      tank.StationID,
			"fuel_type":       tank.FuelType,
			"capacity_l":      tank.CapacityL.StringFixed(3),
			"current_level_l": tank.CurrentLevelL.StringFixed(3),
		}
		if tank.LastReadAt != nil {
			entry["last_read_at"] = tank.LastReadAt.UTC().Format(time.RFC3339)
		}
		payload = append(payload, entry)
	}
	ctx.JSON(http.StatusOK, gin.H{"tanks": payload})
}

func (server *Server) handleListPumps(ctx *gin.Context) {
	pumps, err := server.store.ListPumpsByStation(ctx.Request.Context(), ctx.Param("station_id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	now := server.nowFn()
	payload := make([]gin.H, 0, len(pumps))
	for _, pump := range pumps {
		entry := gin.H{
			"pump_id":     pump.PumpID,
			"station_id":  pump.StationID,
			"pump_number": pump.PumpNumber,
			"fuel_type":   pump.FuelType,
			"status":      string(pump.StatusLabel(now, server.cfg.HeartbeatWindow)),
		}
		if pump.LastHeartbeat != nil {
			entry["last_heartbeat"] = pump.LastHeartbeat.UTC().Format(time.RFC3339)
		}
		payload = append(payload, entry)
	}
	ctx.JSON(http.StatusOK, gin.H{"pumps": payload})
}

func (server *Server) handleListRules(ctx *gin.Context) {
	rules, err := server.store.ListRules(ctx.Request.Context())
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, gin.H{
			"rule_id":   rule.RuleID,
			"name":      rule.Name,
			"slug":      rule.Slug,
			"rule_type": rule.RuleType,
			"config":    rule.Config,
			"enabled":   rule.Enabled,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"rules": payload})
}

type ruleRequest struct {
	Name        string         `json:"name" binding:"required"`
	Slug        string         `json:"slug" binding:"required"`
	RuleType    string         `json:"rule_type" binding:"required"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config"`
	Enabled     *bool          `json:"enabled"`
}

func (server *Server) handleUpsertRule(ctx *gin.Context) {
	var request ruleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "name, slug, and rule_type are required"))
		return
	}
	enabled := true
	if request.Enabled != nil {
		enabled = *request.Enabled
	}
	rule, err := server.store.UpsertRule(ctx.Request.Context(), fuelwatch.Rule{
		Name:        request.Name,
		Slug:        request.Slug,
		RuleType:    request.RuleType,
		Description: request.Description,
		Config:      request.Config,
		Enabled:     enabled,
	})
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"rule": gin.H{
		"rule_id":   rule.RuleID,
		"name":      rule.Name,
		"slug":      rule.Slug,
		"rule_type": rule.RuleType,
		"config":    rule.Config,
		"enabled":   rule.Enabled,
	}})
}

func (server *Server) handleListAnomalies(ctx *gin.Context) {
	filter := gormstore.AnomalyFilter{
		StationID:  ctx.Query("station_id"),
		Severity:   ctx.Query("severity"),
		Unresolved: ctx.Query("unresolved") == "true",
		Limit:      100,
	}
	if raw := ctx.Query("acknowledged"); raw == "true" || raw == "false" {
		acknowledged := raw == "true"
		filter.Acknowledged = &acknowledged
	}
	anomalies, err := server.store.ListAnomalies(ctx.Request.Context(), filter)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(anomalies))
	for _, anomaly := range anomalies {
		payload = append(payload, anomalyPayload(anomaly))
	}
	ctx.JSON(http.StatusOK, gin.H{"anomalies": payload})
}

func (server *Server) handleAcknowledgeAnomaly(ctx *gin.Context) {
	claims := getClaims(ctx)
	var actorID *string
	if claims != nil {
		actorID = &claims.UserID
	}
	anomaly, err := server.service.AcknowledgeAnomaly(ctx.Request.Context(), ctx.Param("anomaly_id"), actorID)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"anomaly": anomalyPayload(anomaly)})
}

func (server *Server) handleResolveAnomaly(ctx *gin.Context) {
	claims := getClaims(ctx)
	var actorID *string
	if claims != nil {
		actorID = &claims.UserID
	}
	anomaly, err := server.service.ResolveAnomaly(ctx.Request.Context(), ctx.Param("anomaly_id"), actorID)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"anomaly": anomalyPayload(anomaly)})
}

func anomalyPayload(anomaly fuelwatch.Anomaly) gin.H {
	payload := gin.H{
		"anomaly_id":     anomaly.AnomalyID,
		"station_id":     anomaly.StationID,
		"pump_id":        anomaly.PumpID,
		"transaction_id": anomaly.TransactionID,
		"rule_slug":      anomaly.RuleSlug,
		"name":           anomaly.Name,
		"severity":       string(anomaly.Severity),
		"score":          anomaly.Score,
		"details":        anomaly.Details,
		"acknowledged":   anomaly.Acknowledged,
		"resolved":       anomaly.Resolved,
		"created_at":     anomaly.CreatedAt.UTC().Format(time.RFC3339),
	}
	if anomaly.AcknowledgedAt != nil {
		payload["acknowledged_at"] = anomaly.AcknowledgedAt.UTC().Format(time.RFC3339)
	}
	if anomaly.ResolvedAt != nil {
		payload["resolved_at"] = anomaly.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

// enqueue hands a job to the background queue, or runs it inline when no
// queue is configured (tests, one-shot tools).
func (server *Server) enqueue(job tasks.Job) {
	if server.queue == nil {
		job(context.Background())
		return
	}
	if err := server.queue.Submit(job); err != nil {
		server.logger.Warn("background job rejected, running inline", zap.Error(err))
		job(context.Background())
	}
}

func (server *Server) respondServiceError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, fuelwatch.ErrStationNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("station_not_found", "no such station"))
	case errors.Is(err, fuelwatch.ErrTankNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("tank_not_found", "no such tank"))
	case errors.Is(err, fuelwatch.ErrPumpNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("pump_not_found", "no such pump"))
	case errors.Is(err, fuelwatch.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "no such transaction"))
	case errors.Is(err, fuelwatch.ErrAnomalyNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("anomaly_not_found", "no such anomaly"))
	case errors.Is(err, fuelwatch.ErrDuplicateExternalRef):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_external_ref", "a transaction with this external reference exists"))
	case errors.Is(err, fuelwatch.ErrInvalidTransaction):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction", err.Error()))
	case errors.Is(err, fuelwatch.ErrInvalidReading):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reading", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
