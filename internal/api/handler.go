package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront-checkout/internal/gateway"
	"storefront-checkout/internal/models"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/store"
	"storefront-checkout/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// RateLimiter is implemented by redisclient.Client.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Pinger is a dependency probed by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP layer.
type Options struct {
	RateLimit       int
	RateLimitWindow time.Duration
	// AdminToken guards /admin; when empty the admin routes answer 403.
	AdminToken string
	// StorefrontOrigin is the postMessage target of the 3-D Secure page.
	StorefrontOrigin string
}

// Handler contains HTTP handlers
type Handler struct {
	checkout   *service.CheckoutService
	reconciler *service.Reconciler
	orders     *service.OrderService
	discounts  *service.DiscountValidator
	limiter    RateLimiter
	checks     map[string]Pinger
	opts       Options
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	reconciler *service.Reconciler,
	orders *service.OrderService,
	discounts *service.DiscountValidator,
	limiter RateLimiter,
	opts Options,
) *Handler {
	if opts.StorefrontOrigin == "" {
		opts.StorefrontOrigin = "*"
	}
	return &Handler{
		checkout:   checkout,
		reconciler: reconciler,
		orders:     orders,
		discounts:  discounts,
		limiter:    limiter,
		checks:     make(map[string]Pinger),
		opts:       opts,
		logger:     util.GetLogger().Named("http"),
	}
}

// AddReadinessCheck registers a dependency for /ready.
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.checks[name] = p
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.SetHTMLTemplate(callbackPage)

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.rateLimit("checkout"), h.createCheckout)
		v1.POST("/checkout/callback/:token", h.threeDSCallback)
		v1.POST("/webhooks/:provider", h.webhook)
		v1.POST("/basket/quote", h.quote)
		v1.POST("/discounts/validate", h.validateDiscount)
		v1.GET("/orders/:number", h.getOrder)
		v1.POST("/orders/:number/items/:item/refund", h.requestItemRefund)
	}

	admin := router.Group("/admin", h.adminAuth())
	{
		admin.PATCH("/orders/:number/status", h.updateOrderStatus)
		admin.POST("/orders/:number/cancel", h.cancelOrder)
		admin.POST("/orders/:number/items/:item/refund/approve", h.approveItemRefund)
		admin.POST("/orders/:number/items/:item/refund/reject", h.rejectItemRefund)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"dependencies": deps,
		"time":         time.Now().Unix(),
	})
}

// rateLimit caps requests per client IP. Limiter errors let the request
// through.
func (h *Handler) rateLimit(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || h.opts.RateLimit <= 0 {
			c.Next()
			return
		}
		key := "ratelimit:" + scope + ":" + c.ClientIP()
		ok, err := h.limiter.Allow(c.Request.Context(), key, h.opts.RateLimit, h.opts.RateLimitWindow)
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(h.opts.RateLimitWindow.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}
		c.Next()
	}
}

func (h *Handler) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin API disabled"})
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// createCheckout runs one checkout attempt. Declines are 200 with
// success=false; malformed input is 422 with per-field errors.
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest
	// Field rules are checked by the service and come back as 422; only
	// undecodable JSON stops here.
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	req.IP = c.ClientIP()

	res, err := h.checkout.Checkout(c.Request.Context(), &req)
	if err != nil {
		h.internalError(c, "checkout failed", err)
		return
	}
	if len(res.FieldErrors) > 0 {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="tr">
<head><meta charset="utf-8"><title>Ödeme</title></head>
<body>
<p>{{.Result.Message}}</p>
<script>
(function () {
  var target = window.opener || window.parent;
  if (target && target !== window) {
    target.postMessage({{.Result}}, {{.Origin}});
  }
})();
</script>
</body>
</html>`))

// threeDSCallback receives the provider's browser redirect and hands the
// result to the storefront window through postMessage.
func (h *Handler) threeDSCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid form"})
		return
	}

	res, err := h.reconciler.HandleCallback(c.Request.Context(), c.Param("token"), c.Request.PostForm)
	if err != nil {
		h.logger.Error("3ds callback failed", zap.String("token", c.Param("token")), zap.Error(err))
		res = &service.CallbackResult{Message: "Ödeme şu anda doğrulanamıyor. Lütfen tekrar deneyin."}
		c.HTML(http.StatusInternalServerError, "callback", gin.H{"Result": res, "Origin": h.opts.StorefrontOrigin})
		return
	}
	c.HTML(http.StatusOK, "callback", gin.H{"Result": res, "Origin": h.opts.StorefrontOrigin})
}

func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	err = h.reconciler.HandleWebhook(c.Request.Context(), c.Param("provider"), c.Request.Header, body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, gateway.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case errors.Is(err, gateway.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
	case errors.Is(err, service.ErrWebhookNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Not ready, retry later"})
	default:
		h.internalError(c, "webhook failed", err)
	}
}

type quoteRequest struct {
	Lines        []service.LineRequest `json:"lines" binding:"required,min=1"`
	DiscountCode string                `json:"discount_code"`
}

func (h *Handler) quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	q, err := h.checkout.Quote(c.Request.Context(), req.Lines, req.DiscountCode)
	if err != nil {
		h.internalError(c, "quote failed", err)
		return
	}
	c.JSON(http.StatusOK, q)
}

type validateDiscountRequest struct {
	Code       string   `json:"code" binding:"required"`
	VariantIDs []string `json:"variant_ids"`
}

func (h *Handler) validateDiscount(c *gin.Context) {
	var req validateDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := h.discounts.Validate(c.Request.Context(), req.Code, req.VariantIDs)
	if err != nil {
		h.internalError(c, "discount validation failed", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getOrder handles get order by number
func (h *Handler) getOrder(c *gin.Context) {
	details, err := h.orders.GetOrder(c.Request.Context(), c.Param("number"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	next, err := models.ParseOrderStatus(strings.ToUpper(req.Status))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	details, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("number"), next)
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "admin"
	}

	details, err := h.orders.Cancel(c.Request.Context(), c.Param("number"), req.Reason)
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) requestItemRefund(c *gin.Context) {
	details, err := h.orders.RequestItemRefund(c.Request.Context(), c.Param("number"), c.Param("item"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) approveItemRefund(c *gin.Context) {
	details, err := h.orders.ApproveItemRefund(c.Request.Context(), c.Param("number"), c.Param("item"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) rejectItemRefund(c *gin.Context) {
	details, err := h.orders.RejectItemRefund(c.Request.Context(), c.Param("number"), c.Param("item"))
	if err != nil {
		h.orderError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// orderError maps order lifecycle errors onto status codes.
func (h *Handler) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, service.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order item not found"})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrRefundState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrCancelWindowClosed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrGatewayRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.internalError(c, "order operation failed", err)
	}
}

// internalError logs err and answers with a body that reveals nothing about
// it.
func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
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
