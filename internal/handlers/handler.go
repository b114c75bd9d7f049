package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/internal/audit"
	"github.com/DevnProgg/MyPay/internal/payments"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/internal/validation"
	"github.com/DevnProgg/MyPay/internal/webhooks"
	"github.com/DevnProgg/MyPay/pkg/log"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"
	UserIDHeader         = "X-User-Id"
)

// Handler groups dependencies for the HTTP surface.
type Handler struct {
	payments *payments.Service
	webhooks *webhooks.Processor
	registry *providers.Registry
	validate *validatorv10.Validate
	logger   *zerolog.Logger
}

func New(p *payments.Service, w *webhooks.Processor, registry *providers.Registry) *Handler {
	return &Handler{
		payments: p,
		webhooks: w,
		registry: registry,
		validate: validation.New(),
		logger:   log.Component("http"),
	}
}

// RegisterRoutes registers the payment, webhook and admin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.Use(h.requestLogger(), actor())

	r.GET("/health", h.health)

	p := r.Group("/payments")
	p.POST("", h.createPayment)
	p.GET("", h.listPayments)
	p.GET("/:id", h.getPayment)
	p.POST("/:id/verify", h.verifyPayment)
	p.POST("/:id/refund", h.refundPayment)
	p.GET("/:id/audit", h.paymentAudit)

	r.POST("/webhooks/:provider", h.receiveWebhook)

	admin := r.Group("/admin/webhooks")
	admin.GET("", h.listWebhooks)
	admin.GET("/dead-letter", h.deadLetters)
	admin.GET("/stats", h.webhookStats)
	admin.POST("/:id/retry", h.retryWebhook)
	admin.POST("/:id/processed", h.markWebhookProcessed)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "providers": h.registry.Names()})
}

// actor attaches the caller to the request context for audit entries.
func actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		a := &audit.Actor{
			UserID:    c.GetHeader(UserIDHeader),
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}
		c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), a))
		c.Next()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := h.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = h.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("request_id", c.GetHeader("X-Request-Id")).
			Msg("request")
	}
}
