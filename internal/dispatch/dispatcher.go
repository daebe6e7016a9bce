// Package dispatch delivers pending commands to devices, either on the
// device's own channel or through the hub that relays for it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/parse"
	"fleet-relay-backend/internal/store"
)

// Publisher sends a payload on a device channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Payload is the message a device (or its hub) receives.
type Payload struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	// TargetMac is set when a hub must forward the command.
	TargetMac string `json:"targetMac,omitempty"`
}

// Route is where a command for a device is published.
type Route struct {
	Channel   string
	TargetMac string
	Hub       string
}

// Relayed reports whether the route goes through a hub.
func (r Route) Relayed() bool { return r.Hub != "" }

// RouteFor picks the channel for dev.
func RouteFor(dev *model.Device) Route {
	if dev.IsRelayed() {
		hub := *dev.HubHardwareAddress
		return Route{Channel: parse.Channel(hub), TargetMac: dev.HardwareAddress, Hub: hub}
	}
	return Route{Channel: parse.Channel(dev.HardwareAddress)}
}

// Dispatcher publishes pending commands and records the pending → sent step.
type Dispatcher struct {
	store store.Store
	pub   Publisher
	log   *zap.Logger
	now   func() time.Time
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(s store.Store, pub Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: s, pub: pub, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Handle dispatches the command with the given id together with every other
// pending command for the same target.
func (d *Dispatcher) Handle(ctx context.Context, commandID string) error {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.log.Warn("command event for unknown command", zap.String("command_id", commandID))
			return nil
		}
		return err
	}
	if cmd.State != model.CommandPending {
		d.log.Debug("command already past pending", zap.String("command_id", cmd.ID), zap.String("state", string(cmd.State)))
	}
	return d.DispatchPending(ctx, cmd.TargetHardwareAddress)
}

// DispatchPending publishes the target's pending commands in priority order,
// highest first and oldest first within a priority. It stops at the first
// publish failure so later commands never overtake an earlier one. Routing
// and publish failures leave commands pending; only store errors are
// returned.
func (d *Dispatcher) DispatchPending(ctx context.Context, target string) error {
	log := d.log.With(zap.String("target", target))

	dev, err := d.store.GetDevice(ctx, target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("command target is not registered; leaving commands pending")
			return nil
		}
		return err
	}

	route := RouteFor(dev)
	if route.Relayed() {
		hub, err := d.store.GetDevice(ctx, route.Hub)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Warn("relay hub is not registered; leaving commands pending", zap.String("hub", route.Hub))
				return nil
			}
			return err
		}
		// Relays are one hop deep; a hub reached through another hub has no path.
		if hub.IsRelayed() {
			log.Warn("relay hub is itself relayed; leaving commands pending",
				zap.String("hub", route.Hub),
				zap.String("hub_via", *hub.HubHardwareAddress))
			return nil
		}
	}

	cmds, err := d.store.ListPendingCommands(ctx, target)
	if err != nil {
		return err
	}

	now := d.now()
	for i := range cmds {
		cmd := &cmds[i]
		if cmd.ExpiresAt != nil && !cmd.ExpiresAt.After(now) {
			continue
		}

		body, err := json.Marshal(NewPayload(cmd, route))
		if err != nil {
			return fmt.Errorf("failed to encode command %s: %w", cmd.ID, err)
		}

		if err := d.pub.Publish(ctx, route.Channel, body); err != nil {
			log.Warn("publish failed; command stays pending",
				zap.String("command_id", cmd.ID),
				zap.String("channel", route.Channel),
				zap.Error(err))
			if err := d.store.RecordDispatchFailure(ctx, cmd.ID); err != nil {
				return err
			}
			return nil
		}

		sent, err := d.store.MarkCommandSent(ctx, cmd.ID, d.now())
		if err != nil {
			return err
		}
		if !sent {
			// Cancelled or acknowledged between listing and publishing.
			log.Debug("command left pending before it was marked sent", zap.String("command_id", cmd.ID))
			continue
		}
		log.Info("command dispatched",
			zap.String("command_id", cmd.ID),
			zap.String("action", cmd.Action),
			zap.String("channel", route.Channel),
			zap.Bool("relayed", route.Relayed()))
	}
	return nil
}

// NewPayload builds the wire message for cmd on route.
func NewPayload(cmd *model.Command, route Route) Payload {
	params := map[string]any(cmd.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	return Payload{
		ID:         cmd.ID,
		Action:     cmd.Action,
		Parameters: params,
		TargetMac:  route.TargetMac,
	}
}
