package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
	"github.com/DevnProgg/MyPay/internal/payments"
)

func (h *Handler) writeError(c *gin.Context, err error) {
	httpErr := apperrors.ToHTTPError(err)
	if httpErr.Code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(httpErr.Code, httpErr)
}

// writeReply writes a cacheable payment reply verbatim.
func writeReply(c *gin.Context, reply *payments.Reply) {
	if reply.Replayed {
		c.Header(ReplayedHeader, "true")
	}
	c.Data(reply.StatusCode, "application/json; charset=utf-8", reply.Body)
}
