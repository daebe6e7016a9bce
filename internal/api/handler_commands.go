package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/parse"
	"fleet-relay-backend/internal/relay"
	"fleet-relay-backend/internal/store"
)

const (
	defaultCommandLimit = 50
	maxCommandLimit     = 500
)

// PostCommand handles POST /api/commands.
func (h *Handler) PostCommand(c *gin.Context) {
	var req relay.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := h.relay.EnqueueCommand(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, cmd)
	case errors.Is(err, relay.ErrUnknownTarget):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, relay.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("failed to enqueue command", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue command"})
	}
}

// GetCommand handles GET /api/commands/:id.
func (h *Handler) GetCommand(c *gin.Context) {
	cmd, err := h.store.GetCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "command not found")
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// CancelCommand handles POST /api/commands/:id/cancel.
func (h *Handler) CancelCommand(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ok, err := h.relay.CancelCommand(ctx, id)
	if err != nil {
		h.storeError(c, err, "command not found")
		return
	}

	cmd, err := h.store.GetCommand(ctx, id)
	if err != nil {
		h.storeError(c, err, "command not found")
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "command can no longer be cancelled", "state": cmd.State})
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// GetDeviceCommands handles GET /api/devices/:address/commands. The optional
// state query filters by lifecycle state; limit caps the result.
func (h *Handler) GetDeviceCommands(c *gin.Context) {
	addr, err := parse.HardwareAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := model.CommandState(c.Query("state"))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}

	limit := defaultCommandLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxCommandLimit)
	}

	cmds, err := h.store.ListCommandsForDevice(c.Request.Context(), addr, state, limit)
	if err != nil {
		h.storeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds})
}

// storeError renders a store error: 404 for a missing row, 500 otherwise.
func (h *Handler) storeError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) && notFoundMsg != "" {
		c.JSON(http.StatusNotFound, gin.H{"error": notFoundMsg})
		return
	}
	h.log.Error("store error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
