package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// ReadinessProbe reports whether backing services are reachable
type ReadinessProbe func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutOrchestrator
	orders   *service.OrderService
	webhooks *service.WebhookProcessor
	ledger   *service.InventoryLedger
	ready    ReadinessProbe
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. ready may be nil.
func NewHandler(
	checkout *service.CheckoutOrchestrator,
	orders *service.OrderService,
	webhooks *service.WebhookProcessor,
	ledger *service.InventoryLedger,
	ready ReadinessProbe,
) *Handler {
	return &Handler{
		checkout: checkout,
		orders:   orders,
		webhooks: webhooks,
		ledger:   ledger,
		ready:    ready,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.placeOrder)

		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/payments", h.listPayments)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/retry-payment", h.retryPayment)
		v1.POST("/orders/:id/processing", h.startProcessing)
		v1.POST("/orders/:id/ship", h.shipOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)

		v1.GET("/payments/:reference", h.getPayment)
		v1.POST("/payments/:reference/refund", h.refundPayment)
		v1.POST("/payments/:reference/reconcile", h.reconcilePayment)

		v1.GET("/inventory/:product_id", h.getInventory)
		v1.PUT("/inventory/:product_id", h.adjustInventory)
		v1.GET("/inventory/:product_id/movements", h.listMovements)

		v1.POST("/webhooks/payments", h.paymentWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) placeOrder(c *gin.Context) {
	var req service.CheckoutRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.checkout.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// listOrders lists a user's orders, or looks one up by ?number=
func (h *Handler) listOrders(c *gin.Context) {
	if number := c.Query("number"); number != "" {
		order, err := h.orders.GetOrderByNumber(c.Request.Context(), number)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
		return
	}

	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		badRequest(c, "user_id query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	orders, err := h.orders.ListOrders(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listPayments(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}

	payments, err := h.orders.ListPayments(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

type cancelRequest struct {
	UserID int64  `json:"user_id" binding:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if !bind(c, &req) {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), orderID, req.UserID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type retryRequest struct {
	UserID        int64  `json:"user_id" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

func (h *Handler) retryPayment(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req retryRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.checkout.RetryPayment(c.Request.Context(), orderID, req.UserID, req.PaymentMethod)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) startProcessing(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	h.respondOrder(c)(h.orders.StartProcessing(c.Request.Context(), orderID))
}

type shipRequest struct {
	TrackingNumber string `json:"tracking_number" binding:"required"`
}

func (h *Handler) shipOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req shipRequest
	if !bind(c, &req) {
		return
	}
	h.respondOrder(c)(h.orders.ShipOrder(c.Request.Context(), orderID, req.TrackingNumber))
}

func (h *Handler) deliverOrder(c *gin.Context) {
	orderID, ok := idParam(c, "id")
	if !ok {
		return
	}
	h.respondOrder(c)(h.orders.DeliverOrder(c.Request.Context(), orderID))
}

func (h *Handler) respondOrder(c *gin.Context) func(*models.Order, error) {
	return func(order *models.Order, err error) {
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.orders.GetPayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

type refundRequest struct {
	// Amount refunds part of the payment; omitted means everything
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}

	payment, err := h.orders.RefundPayment(c.Request.Context(), c.Param("reference"), req.Amount, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) reconcilePayment(c *gin.Context) {
	payment, err := h.orders.ReconcilePayment(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) getInventory(c *gin.Context) {
	productID, ok := idParam(c, "product_id")
	if !ok {
		return
	}

	inv, err := h.ledger.Get(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"inventory": inv,
		"available": inv.Available(),
		"low_stock": inv.IsLowStock(),
	})
}

type adjustRequest struct {
	Quantity *int   `json:"quantity" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Actor    string `json:"actor"`
}

func (h *Handler) adjustInventory(c *gin.Context) {
	productID, ok := idParam(c, "product_id")
	if !ok {
		return
	}
	var req adjustRequest
	if !bind(c, &req) {
		return
	}

	inv, err := h.ledger.Adjust(c.Request.Context(), productID, *req.Quantity, req.Reason, req.Actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (h *Handler) listMovements(c *gin.Context) {
	productID, ok := idParam(c, "product_id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	movements, err := h.ledger.Movements(c.Request.Context(), productID, offset, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}

// paymentWebhook verifies against the raw body, so it must not be parsed first
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		badRequest(c, "failed to read body")
		return
	}
	if len(payload) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": fmt.Sprintf("webhook body exceeds %d bytes", maxWebhookBody),
		})
		return
	}

	result, err := h.webhooks.HandleEvent(c.Request.Context(), payload, c.GetHeader(service.SignatureHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindInsufficientStock, models.KindInvalidTransition, models.KindConflict:
		return http.StatusConflict
	case models.KindGateway:
		return http.StatusBadGateway
	case models.KindAuthentication:
		return http.StatusUnauthorized
	case models.KindNotFound:
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{
		"error":   string(models.KindOf(err)),
		"details": err.Error(),
	}

	var derr *models.Error
	if errors.As(err, &derr) && derr.ProductID != 0 {
		body["product_id"] = derr.ProductID
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			body["details"] = "internal error"
		}
	}
	c.JSON(status, body)
}

func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   string(models.KindValidation),
			"details": err.Error(),
		})
		return false
	}
	return true
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   string(models.KindValidation),
		"details": msg,
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
