package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/parse"
	"fleet-relay-backend/internal/store"
)

// GetDevice handles GET /api/devices/:address.
func (h *Handler) GetDevice(c *gin.Context) {
	addr, err := parse.HardwareAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dev, err := h.store.GetDevice(c.Request.Context(), addr)
	if err != nil {
		h.storeError(c, err, "device not found")
		return
	}
	c.JSON(http.StatusOK, dev)
}

type putDeviceRequest struct {
	UnitSerial string `json:"unitSerial"`
	IsPrimary  bool   `json:"isPrimary"`
}

// PutDevice handles PUT /api/devices/:address, registering the device or
// moving it to another unit.
func (h *Handler) PutDevice(c *gin.Context) {
	var req putDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	serial := strings.TrimSpace(req.UnitSerial)
	dev, err := h.relay.ProvisionDevice(c.Request.Context(), store.DeviceProvision{
		HardwareAddress: c.Param("address"),
		UnitSerial:      serial,
		IsPrimary:       req.IsPrimary,
	})
	if err != nil {
		if errors.Is(err, parse.ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.storeError(c, err, "unit not found")
		return
	}

	if serial != "" {
		h.cache.Evict("/api/units/" + serial)
	}
	c.JSON(http.StatusOK, dev)
}

// GetUnit handles GET /api/units/:serial.
func (h *Handler) GetUnit(c *gin.Context) {
	unit, err := h.store.GetUnit(c.Request.Context(), c.Param("serial"))
	if err != nil {
		h.storeError(c, err, "unit not found")
		return
	}
	c.JSON(http.StatusOK, unit)
}

type postUnitRequest struct {
	Serial string `json:"serial" binding:"required"`
}

// PostUnit handles POST /api/units.
func (h *Handler) PostUnit(c *gin.Context) {
	var req postUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	unit := &model.Unit{Serial: strings.TrimSpace(req.Serial)}
	if unit.Serial == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serial is required"})
		return
	}
	if err := h.store.CreateUnit(c.Request.Context(), unit); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "unit already exists"})
			return
		}
		h.storeError(c, err, "")
		return
	}
	h.cache.Evict("/api/units/" + unit.Serial)
	c.JSON(http.StatusCreated, unit)
}
