package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-relay-backend/internal/relay"
)

// PostHeartbeat handles POST /api/heartbeats. The heartbeat is stored and
// processed asynchronously.
func (h *Handler) PostHeartbeat(c *gin.Context) {
	var in relay.HeartbeatInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.relay.SubmitHeartbeat(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidHeartbeat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("failed to submit heartbeat", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store heartbeat"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": rec.ID})
}
