package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fleet-relay-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Message is the JSON body delivered to the browser.
type Message struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	CommandID  string `json:"commandId"`
	State      string `json:"state"`
	UnitSerial string `json:"unitSerial"`
}

// WorkerPool sends command outcome notifications to the subscribers of the
// unit the command's device belongs to.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, log *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug("notification worker started", zap.Int("worker", id))
	for {
		select {
		case commandID := <-wp.jobs:
			wp.sendNotificationsForCommand(ctx, commandID)
		case <-ctx.Done():
			wp.log.Debug("notification worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Dispatch queues a notification job. It never blocks the caller: when the
// queue is full the notification is dropped.
func (wp *WorkerPool) Dispatch(commandID string) {
	select {
	case wp.jobs <- commandID:
	default:
		wp.log.Warn("notification queue full; dropping", zap.String("command_id", commandID))
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan string {
	return wp.jobs
}

func (wp *WorkerPool) sendNotificationsForCommand(ctx context.Context, commandID string) {
	log := wp.log.With(zap.String("command_id", commandID))

	var cmd model.Command
	if err := wp.db.WithContext(ctx).Where("id = ?", commandID).Take(&cmd).Error; err != nil {
		log.Error("failed to load command for notification", zap.Error(err))
		return
	}

	var unit model.Unit
	err := wp.db.WithContext(ctx).
		Joins("JOIN devices ON devices.unit_id = units.id").
		Where("devices.hardware_address = ?", cmd.TargetHardwareAddress).
		Take(&unit).Error
	if err != nil {
		// Unassigned devices have no subscribers.
		log.Debug("command target has no unit", zap.String("target", cmd.TargetHardwareAddress), zap.Error(err))
		return
	}

	var subscriptions []model.PushSubscription
	err = wp.db.WithContext(ctx).
		Joins("JOIN subscription_unit_mapping sm ON sm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sm.unit_id = ?", unit.ID).
		Find(&subscriptions).Error
	if err != nil {
		log.Error("failed to fetch subscriptions", zap.Int64("unit_id", unit.ID), zap.Error(err))
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(NewMessage(&cmd, unit.Serial))
	if err != nil {
		log.Error("failed to encode notification", zap.Error(err))
		return
	}
	log.Info("sending command notifications", zap.Int("subscriptions", len(subscriptions)), zap.String("unit_serial", unit.Serial))
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// NewMessage describes the outcome of cmd for a subscriber of unit serial.
func NewMessage(cmd *model.Command, serial string) Message {
	body := fmt.Sprintf("%s on %s %s", cmd.Action, serial, cmd.State)
	if cmd.State == model.CommandFailed && cmd.ErrorMessage != nil && *cmd.ErrorMessage != "" {
		body += ": " + *cmd.ErrorMessage
	}
	return Message{
		Title:      fmt.Sprintf("Command %s", cmd.State),
		Body:       body,
		CommandID:  cmd.ID,
		State:      string(cmd.State),
		UnitSerial: serial,
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Warn("failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.log.Info("subscription expired; deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Select("Units").Delete(&sub).Error; err != nil {
			wp.log.Error("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
