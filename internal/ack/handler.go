// Package ack advances command state from the acknowledgments and results
// devices report in their heartbeats.
package ack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/store"
	"fleet-relay-backend/internal/telemetry"
)

// Notifier is told about commands that just reached completed or failed.
type Notifier interface {
	Dispatch(commandID string)
}

// Handler applies command_ack and command_result heartbeats. Replays and
// out-of-order deliveries are no-ops.
type Handler struct {
	store  store.Store
	notify Notifier
	log    *zap.Logger
}

// NewHandler creates a new acknowledgment handler. notify may be nil.
func NewHandler(s store.Store, notify Notifier, log *zap.Logger) *Handler {
	return &Handler{store: s, notify: notify, log: log}
}

// Handle applies rec if it acknowledges or reports on a command; other
// heartbeats are ignored.
func (h *Handler) Handle(ctx context.Context, rec *model.HeartbeatRecord) error {
	if rec.Kind != model.HeartbeatCommandAck && rec.Kind != model.HeartbeatCommandResult {
		return nil
	}
	log := h.log.With(
		zap.Int64("heartbeat_id", rec.ID),
		zap.String("hardware_address", rec.HardwareAddress),
		zap.String("kind", string(rec.Kind)),
	)
	if rec.CommandID == nil || *rec.CommandID == "" {
		log.Warn("command heartbeat without command id")
		return nil
	}
	id := *rec.CommandID
	log = log.With(zap.String("command_id", id))
	at := rec.ReceivedAt.UTC()

	if rec.Kind == model.HeartbeatCommandAck {
		ok, err := h.store.AcknowledgeCommand(ctx, id, at)
		if err != nil {
			return err
		}
		if !ok {
			return h.explainNoop(ctx, log, id)
		}
		log.Info("command acknowledged")
		return nil
	}

	outcome, err := Outcome(id, telemetry.ExtractResult(telemetry.Resolve(rec)), at)
	if err != nil {
		return err
	}
	ok, err := h.store.FinishCommand(ctx, outcome)
	if err != nil {
		return err
	}
	if !ok {
		return h.explainNoop(ctx, log, id)
	}
	log.Info("command finished", zap.String("state", string(outcome.State)))
	if h.notify != nil {
		h.notify.Dispatch(id)
	}
	return nil
}

// explainNoop logs why a transition matched no row.
func (h *Handler) explainNoop(ctx context.Context, log *zap.Logger, id string) error {
	cmd, err := h.store.GetCommand(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("heartbeat references unknown command")
			return nil
		}
		return err
	}
	log.Debug("command transition ignored", zap.String("state", string(cmd.State)))
	return nil
}

// Outcome turns a reported result into a terminal transition. A missing
// status means success; "failed", "error" and any unrecognized status mean
// failure.
func Outcome(id string, r telemetry.Result, at time.Time) (store.CommandOutcome, error) {
	o := store.CommandOutcome{ID: id, At: at, ErrorMessage: r.ErrorMessage}

	switch r.Status {
	case "", "completed", "success", "ok":
		o.State = model.CommandCompleted
	case "failed", "error":
		o.State = model.CommandFailed
	default:
		o.State = model.CommandFailed
		if o.ErrorMessage == nil {
			msg := fmt.Sprintf("unrecognized result status %q", r.Status)
			o.ErrorMessage = &msg
		}
	}

	if r.HasValue {
		raw, err := json.Marshal(r.Value)
		if err != nil {
			return o, fmt.Errorf("failed to encode result of command %s: %w", id, err)
		}
		o.Result = datatypes.JSON(raw)
	}
	return o, nil
}
