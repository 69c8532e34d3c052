package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/wms_backend/config"
	"bitbucket.org/mmdatafocus/wms_backend/middlewares"
	"bitbucket.org/mmdatafocus/wms_backend/models"
	"bitbucket.org/mmdatafocus/wms_backend/utils"
	"bitbucket.org/mmdatafocus/wms_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func writeError(c *gin.Context, err error) {
	switch {
	case utils.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case utils.IsInvalidTransition(err) || utils.IsBusinessRule(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrDocumentBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func requireBusiness(c *gin.Context) (string, bool) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return businessId, true
}

func idParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
		return false
	}
	return true
}

// documentOp is a lifecycle operation keyed by document id. The locked
// handler serializes it against other mutations of the same document.
type documentOp func(ctx context.Context, id int) (interface{}, error)

func docOp[T any](fn func(context.Context, int) (*T, error)) documentOp {
	return func(ctx context.Context, id int) (interface{}, error) {
		return fn(ctx, id)
	}
}

func cancelOp[T any](fn func(context.Context, int) (*T, bool, error)) documentOp {
	return func(ctx context.Context, id int) (interface{}, error) {
		doc, wasReserved, err := fn(ctx, id)
		if err != nil {
			return nil, err
		}
		return gin.H{"document": doc, "was_reserved": wasReserved}, nil
	}
}

// lockedHandler wraps a mutating lifecycle operation in a per-document
// redis lock so two requests cannot race the same document through the
// state machine.
func lockedHandler(docType models.DocumentType, fn documentOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusiness(c)
		if !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		lock, err := workflow.AcquireDocumentLock(ctx, businessId, docType, id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer workflow.ReleaseDocumentLock(ctx, lock)

		result, err := fn(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func createHandler[T any, I any](fn func(context.Context, *I) (*T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		var input I
		if !bindJSON(c, &input) {
			return
		}
		doc, err := fn(c.Request.Context(), &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func updateHandler[T any, I any](fn func(context.Context, int, *I) (*T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var input I
		if !bindJSON(c, &input) {
			return
		}
		doc, err := fn(c.Request.Context(), id, &input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func getHandler[T any](fn func(context.Context, int) (*T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		doc, err := fn(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func listHandler[T any](fn func(context.Context) ([]*T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		docs, err := fn(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, docs)
	}
}

func adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.GetIsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindJSON(c, &req) {
			return
		}
		info, err := models.Login(c.Request.Context(), req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func changePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		var req changePasswordRequest
		if !bindJSON(c, &req) {
			return
		}
		user, err := models.ChangePassword(c.Request.Context(), req.OldPassword, req.NewPassword)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func stockLevelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		warehouseId, err := strconv.Atoi(c.Query("warehouse_id"))
		if err != nil || warehouseId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "warehouse_id is required"})
			return
		}
		itemId, err := strconv.Atoi(c.Query("item_id"))
		if err != nil || itemId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item_id is required"})
			return
		}
		level, err := models.GetStockLevel(c.Request.Context(), warehouseId, itemId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, level)
	}
}

func checkRequisitionStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		lines, err := models.CheckRequisitionStock(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requisition_id": id, "lines": lines})
	}
}

// Approval payloads are optional: an empty body approves every line at
// its requested quantity.
func approveMaterialIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusiness(c)
		if !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}

		var input *models.MaterialIssueApproval
		if c.Request.ContentLength > 0 {
			input = &models.MaterialIssueApproval{}
			if !bindJSON(c, input) {
				return
			}
		}

		ctx := c.Request.Context()
		lock, err := workflow.AcquireDocumentLock(ctx, businessId, models.DocumentTypeMaterialIssue, id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer workflow.ReleaseDocumentLock(ctx, lock)

		issue, err := models.ApproveMaterialIssue(ctx, id, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, issue)
	}
}

type gatePassDetailsRequest struct {
	IssuedTo      string `json:"issued_to" binding:"required"`
	VehicleNumber string `json:"vehicle_number"`
}

func gatePassDetailsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req gatePassDetailsRequest
		if !bindJSON(c, &req) {
			return
		}
		pass, err := models.SetGatePassDetails(c.Request.Context(), id, req.IssuedTo, req.VehicleNumber)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, pass)
	}
}

type resolutionRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

func resolveDeviationReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req resolutionRequest
		if !bindJSON(c, &req) {
			return
		}
		report, err := models.ResolveDeviationReport(c.Request.Context(), id, req.Resolution)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

type findingsRequest struct {
	Findings string `json:"findings" binding:"required"`
}

func closeInspectionRequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusiness(c); !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}
		var req findingsRequest
		if !bindJSON(c, &req) {
			return
		}
		request, err := models.CloseInspectionRequest(c.Request.Context(), id, req.Findings)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, request)
	}
}

// documentLifecycleHandler drives any document type through the shared
// lifecycle verbs without a type-specific route.
func documentLifecycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusiness(c)
		if !ok {
			return
		}
		id, ok := idParam(c)
		if !ok {
			return
		}

		docType := models.DocumentType(c.Param("type"))
		lifecycle, err := models.LifecycleFor(docType)
		if err != nil {
			writeError(c, err)
			return
		}

		var fn func(context.Context, int) (*models.LifecycleResult, error)
		switch c.Param("action") {
		case "submit":
			fn = lifecycle.Submit
		case "approve":
			fn = lifecycle.Approve
		case "issue":
			fn = lifecycle.Issue
		case "cancel":
			fn = lifecycle.Cancel
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown lifecycle action %q", c.Param("action"))})
			return
		}

		ctx := c.Request.Context()
		lock, err := workflow.AcquireDocumentLock(ctx, businessId, docType, id)
		if err != nil {
			writeError(c, err)
			return
		}
		defer workflow.ReleaseDocumentLock(ctx, lock)

		result, err := fn(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id"`
}

// Ops tooling: requeue an outbox record that was marked DEAD/FAILED.
func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusiness(c)
		if !ok {
			return
		}
		var req outboxReplayRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "record_id is required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.EventRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, businessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     businessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func documentPrefixesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, ok := requireBusiness(c)
		if !ok {
			return
		}
		var prefixes map[string]string
		if err := c.ShouldBindJSON(&prefixes); err != nil || len(prefixes) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := models.SetDocumentPrefixes(c.Request.Context(), businessId, prefixes); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"business_id": businessId, "prefixes": prefixes})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func registerRoutes(r *gin.Engine) {
	r.POST("/login", loginHandler())
	r.POST("/change-password", changePasswordHandler())
	r.GET("/users", listHandler(models.GetAllUsers))
	r.GET("/users/:id", getHandler(models.GetUser))
	r.POST("/users", adminOnly(), createHandler(models.CreateUser))

	r.POST("/projects", createHandler(models.CreateProject))
	r.PUT("/projects/:id", updateHandler(models.UpdateProject))
	r.GET("/projects/:id", getHandler(models.GetProject))
	r.GET("/projects", listHandler(models.GetProjects))

	r.POST("/warehouses", createHandler(models.CreateWarehouse))
	r.PUT("/warehouses/:id", updateHandler(models.UpdateWarehouse))
	r.GET("/warehouses/:id", getHandler(models.GetWarehouse))
	r.GET("/warehouses", listHandler(models.GetWarehouses))

	r.POST("/items", createHandler(models.CreateItem))
	r.PUT("/items/:id", updateHandler(models.UpdateItem))
	r.GET("/items/:id", getHandler(models.GetItem))
	r.GET("/items", listHandler(models.GetItems))

	r.GET("/stock-levels", stockLevelHandler())

	req := r.Group("/requisitions")
	req.POST("", createHandler(models.CreateRequisition))
	req.GET("/:id", getHandler(models.GetRequisition))
	req.GET("/:id/check-stock", checkRequisitionStockHandler())
	req.POST("/:id/submit", lockedHandler(models.DocumentTypeRequisition, docOp(models.SubmitRequisition)))
	req.POST("/:id/approve", lockedHandler(models.DocumentTypeRequisition, docOp(models.ApproveRequisition)))
	req.POST("/:id/reject", lockedHandler(models.DocumentTypeRequisition, docOp(models.RejectRequisition)))
	req.POST("/:id/resubmit", lockedHandler(models.DocumentTypeRequisition, docOp(models.ResubmitRequisition)))
	req.POST("/:id/convert", lockedHandler(models.DocumentTypeRequisition, docOp(models.ConvertRequisitionToMaterialIssue)))
	req.POST("/:id/fulfill", lockedHandler(models.DocumentTypeRequisition, docOp(models.FulfillRequisition)))
	req.POST("/:id/cancel", lockedHandler(models.DocumentTypeRequisition, docOp(models.CancelRequisition)))

	gr := r.Group("/goods-receipts")
	gr.POST("", createHandler(models.CreateGoodsReceipt))
	gr.GET("/:id", getHandler(models.GetGoodsReceipt))
	gr.POST("/:id/submit", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.SubmitGoodsReceipt)))
	gr.POST("/:id/review", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.ReviewGoodsReceipt)))
	gr.POST("/:id/store", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.StoreGoodsReceipt)))
	gr.POST("/:id/complete", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.CompleteGoodsReceipt)))
	gr.POST("/:id/reject", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.RejectGoodsReceipt)))
	gr.POST("/:id/resubmit", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.ResubmitGoodsReceipt)))
	gr.POST("/:id/cancel", lockedHandler(models.DocumentTypeGoodsReceipt, docOp(models.CancelGoodsReceipt)))

	mi := r.Group("/material-issues")
	mi.POST("", createHandler(models.CreateMaterialIssue))
	mi.GET("/:id", getHandler(models.GetMaterialIssue))
	mi.POST("/:id/submit", lockedHandler(models.DocumentTypeMaterialIssue, docOp(models.SubmitMaterialIssue)))
	mi.POST("/:id/approve", approveMaterialIssueHandler())
	mi.POST("/:id/issue", lockedHandler(models.DocumentTypeMaterialIssue, docOp(models.IssueMaterialIssue)))
	mi.POST("/:id/complete", lockedHandler(models.DocumentTypeMaterialIssue, docOp(models.CompleteMaterialIssue)))
	mi.POST("/:id/reject", lockedHandler(models.DocumentTypeMaterialIssue, docOp(models.RejectMaterialIssue)))
	mi.POST("/:id/resubmit", lockedHandler(models.DocumentTypeMaterialIssue, docOp(models.ResubmitMaterialIssue)))
	mi.POST("/:id/cancel", lockedHandler(models.DocumentTypeMaterialIssue, cancelOp(models.CancelMaterialIssue)))

	jo := r.Group("/job-orders")
	jo.POST("", createHandler(models.CreateJobOrder))
	jo.GET("/:id", getHandler(models.GetJobOrder))
	jo.POST("/:id/submit", lockedHandler(models.DocumentTypeJobOrder, docOp(models.SubmitJobOrder)))
	jo.POST("/:id/approve", lockedHandler(models.DocumentTypeJobOrder, docOp(models.ApproveJobOrder)))
	jo.POST("/:id/start", lockedHandler(models.DocumentTypeJobOrder, docOp(models.StartJobOrder)))
	jo.POST("/:id/complete", lockedHandler(models.DocumentTypeJobOrder, docOp(models.CompleteJobOrder)))
	jo.POST("/:id/reject", lockedHandler(models.DocumentTypeJobOrder, docOp(models.RejectJobOrder)))
	jo.POST("/:id/resubmit", lockedHandler(models.DocumentTypeJobOrder, docOp(models.ResubmitJobOrder)))
	jo.POST("/:id/cancel", lockedHandler(models.DocumentTypeJobOrder, cancelOp(models.CancelJobOrder)))

	st := r.Group("/stock-transfers")
	st.POST("", createHandler(models.CreateStockTransfer))
	st.GET("/:id", getHandler(models.GetStockTransfer))
	st.POST("/:id/submit", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.SubmitStockTransfer)))
	st.POST("/:id/approve", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.ApproveStockTransfer)))
	st.POST("/:id/dispatch", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.DispatchStockTransfer)))
	st.POST("/:id/receive", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.ReceiveStockTransfer)))
	st.POST("/:id/reject", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.RejectStockTransfer)))
	st.POST("/:id/resubmit", lockedHandler(models.DocumentTypeStockTransfer, docOp(models.ResubmitStockTransfer)))
	st.POST("/:id/cancel", lockedHandler(models.DocumentTypeStockTransfer, cancelOp(models.CancelStockTransfer)))

	gp := r.Group("/gate-passes")
	gp.GET("/:id", getHandler(models.GetGatePass))
	gp.PUT("/:id/details", gatePassDetailsHandler())
	gp.POST("/:id/approve", lockedHandler(models.DocumentTypeGatePass, docOp(models.ApproveGatePass)))
	gp.POST("/:id/close", lockedHandler(models.DocumentTypeGatePass, docOp(models.CloseGatePass)))
	gp.POST("/:id/cancel", lockedHandler(models.DocumentTypeGatePass, docOp(models.CancelGatePass)))

	r.POST("/deviation-reports/:id/resolve", resolveDeviationReportHandler())
	r.POST("/inspection-requests/:id/close", closeInspectionRequestHandler())

	r.POST("/documents/:type/:id/:action", documentLifecycleHandler())

	r.POST("/internal/ops/outbox/replay", adminOnly(), outboxReplayHandler())
	r.POST("/internal/ops/document-prefixes", adminOnly(), documentPrefixesHandler())
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	registerRoutes(r)
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Start the audit writer. Lifecycle operations enqueue entries after
	// commit; the recorder flushes them off the request path.
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	defer cancelAudit()
	go models.GetAuditRecorder().Run(auditCtx)

	// Consume document events back into the lifecycle (requisition
	// auto-fulfillment). Only runs when a subscription is configured.
	if os.Getenv("PUBSUB_SUBSCRIPTION") != "" {
		if err := RunDocumentWorkflow(); err != nil {
			config.LogError(logger, "server.go", "main", "Starting document workflow consumer", nil, err)
		}
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<minInt(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Flush remaining audit entries before exit.
	cancelAudit()
	models.GetAuditRecorder().Wait()

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP()

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
