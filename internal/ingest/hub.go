package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"fleet-relay-backend/internal/store"
)

var (
	// ErrHubNotFound means the relay instance does not name a unit with a device.
	ErrHubNotFound = errors.New("hub not found")
	// ErrHubChained means the resolved hub is itself reached through another hub.
	ErrHubChained = errors.New("hub is itself relayed")
	// ErrHubIsReporter means a device named its own unit as its hub.
	ErrHubIsReporter = errors.New("hub is the reporting device")
)

// HubResolver maps a relay instance id (the hub unit's serial) to the hardware
// address of that unit's primary device.
type HubResolver struct {
	store store.Store
	cache *cache.Cache
	ttl   time.Duration
	log   *zap.Logger
}

// NewHubResolver creates a resolver. A ttl of zero disables caching and every
// call goes to the store.
func NewHubResolver(s store.Store, ttl time.Duration, log *zap.Logger) *HubResolver {
	r := &HubResolver{store: s, ttl: ttl, log: log}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve returns the hub address for instanceID.
func (r *HubResolver) Resolve(ctx context.Context, instanceID string) (string, error) {
	if r.cache != nil {
		if addr, found := r.cache.Get(instanceID); found {
			ok, err := r.stillDirect(ctx, addr.(string))
			if err != nil {
				return "", err
			}
			if ok {
				return addr.(string), nil
			}
			r.cache.Delete(instanceID)
		}
	}

	dev, err := r.store.PrimaryDeviceForUnit(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: no device for unit %q", ErrHubNotFound, instanceID)
		}
		return "", fmt.Errorf("failed to resolve hub %q: %w", instanceID, err)
	}
	if dev.IsRelayed() {
		return "", fmt.Errorf("%w: %s routes through %s", ErrHubChained, dev.HardwareAddress, *dev.HubHardwareAddress)
	}

	if r.cache != nil {
		r.cache.Set(instanceID, dev.HardwareAddress, cache.DefaultExpiration)
	}
	return dev.HardwareAddress, nil
}

// stillDirect reports whether a cached hub is registered and not relayed.
func (r *HubResolver) stillDirect(ctx context.Context, addr string) (bool, error) {
	dev, err := r.store.GetDevice(ctx, addr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check cached hub %s: %w", addr, err)
	}
	return !dev.IsRelayed(), nil
}

// Invalidate drops the cached hub of a unit, typically after its devices
// were re-provisioned.
func (r *HubResolver) Invalidate(serial string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(serial)
	r.log.Debug("hub cache entry invalidated", zap.String("unit_serial", serial))
}

// Flush empties the cache.
func (r *HubResolver) Flush() {
	if r.cache != nil {
		r.cache.Flush()
	}
}
