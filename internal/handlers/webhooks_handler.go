package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/providers"
	"github.com/DevnProgg/MyPay/internal/webhooks"
)

// maxWebhookBody caps inbound notification size.
const maxWebhookBody = 1 << 20

var outcomeStatus = map[webhooks.Outcome]int{
	webhooks.OutcomeAccepted:                http.StatusOK,
	webhooks.OutcomeRetryScheduled:          http.StatusOK,
	webhooks.OutcomeRejectedVerification:    http.StatusUnauthorized,
	webhooks.OutcomeRejectedUnknownProvider: http.StatusNotFound,
}

// receiveWebhook answers 200 once the event is stored, including when a retry is
// scheduled, so providers do not redeliver what the engine already owns.
func (h *Handler) receiveWebhook(c *gin.Context) {
	provider := c.Param("provider")
	header := providers.DefaultSignatureHeader
	if a, err := h.registry.Resolve(provider); err == nil {
		header = providers.SignatureHeader(a)
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		h.writeError(c, apperrors.Wrap(apperrors.KindValidation, "handlers.receiveWebhook", err))
		return
	}

	result, err := h.webhooks.Receive(c.Request.Context(), provider, payload, c.GetHeader(header))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status, ok := outcomeStatus[result.Outcome]
	if !ok {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) listWebhooks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	f := webhooks.Filter{
		Provider:      c.Query("provider"),
		TransactionID: c.Query("transaction_id"),
		Processed:     boolQuery(c, "processed"),
		Verified:      boolQuery(c, "verified"),
		Limit:         limit,
	}
	events, err := h.webhooks.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handler) deadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.webhooks.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handler) webhookStats(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		h.writeError(c, err)
		return
	}
	until, err := timeQuery(c, "until")
	if err != nil {
		h.writeError(c, err)
		return
	}
	stats, err := h.webhooks.Stats(c.Request.Context(), since, until)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) retryWebhook(c *gin.Context) {
	result, err := h.webhooks.ManualRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) markWebhookProcessed(c *gin.Context) {
	e, err := h.webhooks.MarkProcessed(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func boolQuery(c *gin.Context, name string) *bool {
	raw, ok := c.GetQuery(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &b
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.New(apperrors.KindValidation, "handlers.timeQuery", name+" must be RFC3339")
	}
	return &t, nil
}
