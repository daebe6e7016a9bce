// Package ingest applies persisted heartbeats to the device registry and the
// unit rollups.
package ingest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/store"
	"fleet-relay-backend/internal/telemetry"
)

// Handler updates fleet state from heartbeats. It is safe to call more than
// once for the same record.
type Handler struct {
	store store.Store
	hubs  *HubResolver
	log   *zap.Logger
}

// NewHandler creates a new ingestion handler.
func NewHandler(s store.Store, hubs *HubResolver, log *zap.Logger) *Handler {
	return &Handler{store: s, hubs: hubs, log: log}
}

// Handle applies one heartbeat. Unknown devices, unknown units and
// unresolvable hubs are logged and absorbed; only persistence errors are
// returned.
func (h *Handler) Handle(ctx context.Context, rec *model.HeartbeatRecord) error {
	log := h.log.With(
		zap.Int64("heartbeat_id", rec.ID),
		zap.String("hardware_address", rec.HardwareAddress),
	)

	tel := telemetry.Resolve(rec)
	receivedAt := rec.ReceivedAt.UTC()

	update := store.DeviceHeartbeat{
		HardwareAddress: rec.HardwareAddress,
		ReceivedAt:      receivedAt,
		Telemetry:       tel,
	}
	if fw, ok := telemetry.String(tel, telemetry.KeyFirmwareVersion); ok {
		update.FirmwareVersion = fw
	}

	hub, err := h.hubChange(ctx, rec)
	switch {
	case err == nil:
		update.Hub, update.HubAddress = hub.change, hub.address
	case isResolutionFailure(err):
		log.Warn("could not resolve relay hub; keeping previous route",
			zap.Stringp("relay_instance_id", rec.RelayInstanceID), zap.Error(err))
	default:
		return err
	}

	applied, err := h.store.ApplyDeviceHeartbeat(ctx, update)
	if err != nil {
		return err
	}
	if !applied {
		exists, err := h.store.DeviceExists(ctx, rec.HardwareAddress)
		if err != nil {
			return err
		}
		if exists {
			log.Debug("stale heartbeat ignored", zap.Time("received_at", receivedAt))
		} else {
			log.Warn("heartbeat from unknown device")
		}
	}

	if rec.UnitSerial == nil || *rec.UnitSerial == "" {
		return nil
	}
	ok, err := h.store.ApplyUnitRollup(ctx, *rec.UnitSerial, telemetry.ExtractRollup(tel), receivedAt)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("heartbeat names unknown unit", zap.String("unit_serial", *rec.UnitSerial))
	}
	return nil
}

type hubUpdate struct {
	change  store.HubChange
	address string
}

func (h *Handler) hubChange(ctx context.Context, rec *model.HeartbeatRecord) (hubUpdate, error) {
	if rec.RelayDeviceType == nil || *rec.RelayDeviceType == "" {
		return hubUpdate{change: store.HubClear}, nil
	}
	if *rec.RelayDeviceType != model.RelayTypeHub || rec.RelayInstanceID == nil || *rec.RelayInstanceID == "" {
		return hubUpdate{change: store.HubUnchanged}, nil
	}

	addr, err := h.hubs.Resolve(ctx, *rec.RelayInstanceID)
	if err != nil {
		return hubUpdate{}, err
	}
	if addr == rec.HardwareAddress {
		return hubUpdate{}, ErrHubIsReporter
	}
	return hubUpdate{change: store.HubSet, address: addr}, nil
}

func isResolutionFailure(err error) bool {
	return errors.Is(err, ErrHubNotFound) || errors.Is(err, ErrHubChained) || errors.Is(err, ErrHubIsReporter)
}
