// Package relay is the entry point for heartbeats and commands. It persists
// them, publishes the matching events and wires the event handlers.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"fleet-relay-backend/internal/ack"
	"fleet-relay-backend/internal/dispatch"
	"fleet-relay-backend/internal/events"
	"fleet-relay-backend/internal/firmware"
	"fleet-relay-backend/internal/ingest"
	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/parse"
	"fleet-relay-backend/internal/store"
)

var (
	// ErrInvalidHeartbeat is returned for heartbeats that cannot be stored.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
	// ErrInvalidCommand is returned for command requests that cannot be queued.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrUnknownTarget is returned when a command names an unregistered device.
	ErrUnknownTarget = errors.New("unknown command target")
)

// Service accepts heartbeats and commands.
type Service struct {
	store      store.Store
	bus        events.Publisher
	hubs       *ingest.HubResolver
	ingest     *ingest.Handler
	ack        *ack.Handler
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger
	now        func() time.Time
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Store      store.Store
	Bus        events.Publisher
	Hubs       *ingest.HubResolver
	Ingest     *ingest.Handler
	Ack        *ack.Handler
	Dispatcher *dispatch.Dispatcher
	Logger     *zap.Logger
}

// NewService creates a new relay service.
func NewService(d Deps) *Service {
	return &Service{
		store:      d.Store,
		bus:        d.Bus,
		hubs:       d.Hubs,
		ingest:     d.Ingest,
		ack:        d.Ack,
		dispatcher: d.Dispatcher,
		log:        d.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register subscribes the ingestion, acknowledgment and dispatch handlers.
func (s *Service) Register(mux *events.Mux) {
	mux.Subscribe(events.KindHeartbeat, s.onHeartbeat(s.ingest.Handle))
	mux.Subscribe(events.KindHeartbeat, s.onHeartbeat(s.ack.Handle))
	mux.Subscribe(events.KindCommand, func(ctx context.Context, ev events.Event) error {
		return s.dispatcher.Handle(ctx, ev.ID)
	})
}

func (s *Service) onHeartbeat(fn func(context.Context, *model.HeartbeatRecord) error) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		id, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil {
			s.log.Warn("heartbeat event with malformed id", zap.String("id", ev.ID))
			return nil
		}
		rec, err := s.store.GetHeartbeat(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.log.Warn("heartbeat event for missing record", zap.Int64("heartbeat_id", id))
				return nil
			}
			return err
		}
		return fn(ctx, rec)
	}
}

// HeartbeatInput is a heartbeat as sent by a device or hub.
type HeartbeatInput struct {
	HardwareAddress string         `json:"hardwareAddress"`
	UnitSerial      string         `json:"unitSerial,omitempty"`
	RelayDeviceType string         `json:"relayDeviceType,omitempty"`
	RelayInstanceID string         `json:"relayInstanceId,omitempty"`
	Kind            string         `json:"kind,omitempty"`
	CommandID       string         `json:"commandId,omitempty"`
	Telemetry       map[string]any `json:"telemetry,omitempty"`

	FirmwareVersion *string  `json:"firmwareVersion,omitempty"`
	BatteryLevel    *int     `json:"batteryLevel,omitempty"`
	IsCharging      *bool    `json:"isCharging,omitempty"`
	WifiSignal      *int     `json:"wifiSignal,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// SubmitHeartbeat validates and stores a heartbeat, then publishes it for
// processing. The receive time is assigned here.
func (s *Service) SubmitHeartbeat(ctx context.Context, in HeartbeatInput) (*model.HeartbeatRecord, error) {
	addr, err := parse.HardwareAddress(in.HardwareAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}
	kind := model.HeartbeatKind(strings.TrimSpace(in.Kind))
	if kind == "" {
		kind = model.HeartbeatStatus
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidHeartbeat, in.Kind)
	}
	commandID := optional(in.CommandID)
	if kind != model.HeartbeatStatus && commandID == nil {
		return nil, fmt.Errorf("%w: %s requires commandId", ErrInvalidHeartbeat, kind)
	}

	rec := &model.HeartbeatRecord{
		HardwareAddress: addr,
		UnitSerial:      optional(in.UnitSerial),
		RelayDeviceType: optional(in.RelayDeviceType),
		RelayInstanceID: optional(in.RelayInstanceID),
		Kind:            kind,
		CommandID:       commandID,
		FirmwareVersion: in.FirmwareVersion,
		BatteryLevel:    in.BatteryLevel,
		IsCharging:      in.IsCharging,
		WifiSignal:      in.WifiSignal,
		Temperature:     in.Temperature,
		Humidity:        in.Humidity,
		ReceivedAt:      s.now(),
	}
	if in.Telemetry != nil {
		rec.Telemetry = datatypes.JSONMap(in.Telemetry)
	}

	if err := s.store.InsertHeartbeat(ctx, rec); err != nil {
		return nil, err
	}
	ev := events.Event{Kind: events.KindHeartbeat, ID: strconv.FormatInt(rec.ID, 10), Key: addr}
	if err := s.bus.Publish(ctx, ev); err != nil {
		// The row is stored but nothing re-announces heartbeats; it stays unprocessed.
		s.log.Error("failed to publish heartbeat event; heartbeat will not be processed",
			zap.Int64("heartbeat_id", rec.ID),
			zap.String("hardware_address", addr),
			zap.Error(err))
		return rec, fmt.Errorf("failed to publish heartbeat %d: %w", rec.ID, err)
	}
	return rec, nil
}

// HandleHeartbeatMessage decodes a JSON heartbeat and submits it. It is the
// MQTT ingress callback.
func (s *Service) HandleHeartbeatMessage(ctx context.Context, payload []byte) error {
	var in HeartbeatInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}
	_, err := s.SubmitHeartbeat(ctx, in)
	return err
}

// CommandRequest asks for a command to be queued for a device.
type CommandRequest struct {
	TargetHardwareAddress string         `json:"targetHardwareAddress"`
	Action                string         `json:"action"`
	Parameters            map[string]any `json:"parameters,omitempty"`
	Priority              int            `json:"priority"`
	ExpiresAt             *time.Time     `json:"expiresAt,omitempty"`
	TTLSeconds            int            `json:"ttlSeconds,omitempty"`
}

// EnqueueCommand stores a pending command and publishes it for dispatch.
func (s *Service) EnqueueCommand(ctx context.Context, req CommandRequest) (*model.Command, error) {
	target, err := parse.HardwareAddress(req.TargetHardwareAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidCommand)
	}
	if req.TTLSeconds < 0 {
		return nil, fmt.Errorf("%w: ttlSeconds must not be negative", ErrInvalidCommand)
	}
	if err := firmware.ValidateCommand(action, req.Parameters); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	dev, err := s.store.GetDevice(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		}
		return nil, err
	}
	if action == firmware.ActionOTAUpdate {
		version, _ := req.Parameters["version"].(string)
		if newer, _ := firmware.IsNewer(version, dev.FirmwareVersion); !newer {
			s.log.Info("ota update does not move firmware forward",
				zap.String("target", target),
				zap.String("current", dev.FirmwareVersion),
				zap.String("requested", version))
		}
	}

	now := s.now()
	cmd := &model.Command{
		ID:                    uuid.NewString(),
		TargetHardwareAddress: target,
		Action:                action,
		Parameters:            datatypes.JSONMap(req.Parameters),
		Priority:              req.Priority,
		State:                 model.CommandPending,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	switch {
	case req.ExpiresAt != nil:
		exp := req.ExpiresAt.UTC()
		cmd.ExpiresAt = &exp
	case req.TTLSeconds > 0:
		exp := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		cmd.ExpiresAt = &exp
	}

	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}
	s.log.Info("command queued",
		zap.String("command_id", cmd.ID),
		zap.String("target", target),
		zap.String("action", action),
		zap.Int("priority", cmd.Priority))

	if err := s.PublishCommand(ctx, cmd); err != nil {
		// The command is stored; the resend sweep will pick it up.
		s.log.Error("failed to publish command event", zap.String("command_id", cmd.ID), zap.Error(err))
	}
	return cmd, nil
}

// PublishCommand publishes a command event for cmd.
func (s *Service) PublishCommand(ctx context.Context, cmd *model.Command) error {
	return s.bus.Publish(ctx, events.Event{Kind: events.KindCommand, ID: cmd.ID, Key: cmd.TargetHardwareAddress})
}

// CancelCommand cancels a command that has not been acknowledged yet. It
// returns false if the command is past that point.
func (s *Service) CancelCommand(ctx context.Context, id string) (bool, error) {
	if _, err := s.store.GetCommand(ctx, id); err != nil {
		return false, err
	}
	ok, err := s.store.CancelCommand(ctx, id, s.now())
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("command cancelled", zap.String("command_id", id))
	}
	return ok, nil
}

// ProvisionDevice registers or re-assigns a device and drops any hub route
// cached for the units involved.
func (s *Service) ProvisionDevice(ctx context.Context, p store.DeviceProvision) (*model.Device, error) {
	addr, err := parse.HardwareAddress(p.HardwareAddress)
	if err != nil {
		return nil, err
	}
	p.HardwareAddress = addr

	prev, err := s.store.GetDevice(ctx, addr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	dev, err := s.store.ProvisionDevice(ctx, p)
	if err != nil {
		return nil, err
	}

	if prev != nil && prev.UnitID != nil {
		// The device left another unit whose serial we do not have at hand.
		s.hubs.Flush()
	} else if p.UnitSerial != "" {
		s.hubs.Invalidate(p.UnitSerial)
	}
	s.log.Info("device provisioned",
		zap.String("hardware_address", addr),
		zap.String("unit_serial", p.UnitSerial),
		zap.Bool("is_primary", dev.IsPrimary))
	return dev, nil
}
