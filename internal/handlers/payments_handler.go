package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/DevnProgg/MyPay/internal/ledger"
	"github.com/DevnProgg/MyPay/internal/payments"
	"github.com/DevnProgg/MyPay/internal/validation"
)

func (h *Handler) createPayment(c *gin.Context) {
	var req validation.CreatePaymentRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	reply, err := h.payments.InitializePayment(c.Request.Context(), c.GetHeader(IdempotencyKeyHeader), payments.InitializeRequest{
		Provider: req.Provider,
		Amount:   req.Amount,
		Currency: req.Currency,
		Customer: req.Customer,
		Metadata: req.Metadata,
	})
	if reply == nil {
		h.writeError(c, err)
		return
	}
	if reply.StatusCode == http.StatusCreated {
		if view, derr := reply.Decode(); derr == nil && view.Transaction != nil {
			c.Header("Location", "/payments/"+view.Transaction.ID)
		}
	}
	writeReply(c, reply)
}

func (h *Handler) listPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txs, err := h.payments.ListTransactions(c.Request.Context(), ledger.Filter{
		Provider:    strings.ToLower(c.Query("provider")),
		Status:      ledger.Status(strings.ToUpper(c.Query("status"))),
		CustomerRef: c.Query("customer"),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (h *Handler) getPayment(c *gin.Context) {
	tx, err := h.payments.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	tx, err := h.payments.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req validation.RefundPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
			return
		}
	}

	reply, err := h.payments.RefundPayment(c.Request.Context(), c.GetHeader(IdempotencyKeyHeader), c.Param("id"), payments.RefundRequest{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if reply == nil {
		h.writeError(c, err)
		return
	}
	writeReply(c, reply)
}

func (h *Handler) paymentAudit(c *gin.Context) {
	entries, err := h.payments.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": c.Param("id"), "entries": entries})
}
