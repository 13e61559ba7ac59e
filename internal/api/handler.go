package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"gateway-reconciler/internal/gateway"
	"gateway-reconciler/internal/service"
	"gateway-reconciler/internal/store"
	"gateway-reconciler/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	engine       *service.ReconciliationEngine
	readiness    map[string]Pinger
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, engine *service.ReconciliationEngine) *Handler {
	return &Handler{
		orderService: orderService,
		engine:       engine,
		readiness:    make(map[string]Pinger),
		logger:       util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency for /ready
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.readiness[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/query", h.queryOrder)
		v1.GET("/merchants/:id/balance", h.getBalance)
	}

	router.POST("/callbacks/:gateway", h.handleCallback)
}

// MetricsRouter serves only /metrics, for a scrape port kept off the public listener
func MetricsRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings the database and redis
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles merchant order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrGatewayUnavailable) && resp != nil:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     "Gateway unavailable",
			"details":   err.Error(),
			"order_id":  resp.OrderID,
			"status":    resp.Status,
			"retryable": true,
		})
		return
	default:
		h.writeError(c, "Failed to create order", err)
		return
	}

	if resp.Duplicate {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// getBalance returns a merchant's ledger
func (h *Handler) getBalance(c *gin.Context) {
	balance, err := h.orderService.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Balance not found", err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// queryOrder asks the order's gateway for its status and applies a final answer
func (h *Handler) queryOrder(c *gin.Context) {
	res, err := h.engine.ReconcileByQuery(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "Failed to query order", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id": res.OrderID,
		"outcome":  res.Outcome,
		"status":   res.Status,
	})
}

// handleCallback answers a gateway callback with the adapter's literal ack
func (h *Handler) handleCallback(c *gin.Context) {
	gatewayCode := c.Param("gateway")

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	res, err := h.engine.HandleCallback(c.Request.Context(), gatewayCode, c.ContentType(), body)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownGateway) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown gateway"})
			return
		}
		h.logger.Error("Callback processing failed",
			zap.String("gateway", gatewayCode),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Callback processing failed"})
		return
	}

	if !res.Acknowledge() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	c.Data(http.StatusOK, res.Ack.ContentType, res.Ack.Body)
}

// writeError maps domain errors onto HTTP status codes
func (h *Handler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrGatewayUnavailable):
		status = http.StatusBadGateway
	default:
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			status = http.StatusBadGateway
		}
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
