package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/mw"
	"fleet-relay-backend/internal/relay"
	"fleet-relay-backend/internal/store"
)

// Relay is the write path the handlers call into.
type Relay interface {
	SubmitHeartbeat(ctx context.Context, in relay.HeartbeatInput) (*model.HeartbeatRecord, error)
	EnqueueCommand(ctx context.Context, req relay.CommandRequest) (*model.Command, error)
	CancelCommand(ctx context.Context, id string) (bool, error)
	ProvisionDevice(ctx context.Context, p store.DeviceProvision) (*model.Device, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	relay   Relay
	webpush *webpush.Options
	cache   *mw.ResponseCache
	log     *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, r Relay, webpushOptions *webpush.Options, cache *mw.ResponseCache, log *zap.Logger) *Handler {
	if cache == nil {
		cache = mw.NewResponseCache(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		store:   s,
		relay:   r,
		webpush: webpushOptions,
		cache:   cache,
		log:     log,
	}
}
