package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/store"
	"fleet-relay-backend/internal/storetest"
)

func TestHubResolver_Resolve(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	storetest.Provision(t, s, "SV-HUB-001", "CC:DD", true)
	r := NewHubResolver(s, 0, zap.NewNop())

	addr, err := r.Resolve(ctx, "SV-HUB-001")
	require.NoError(t, err)
	assert.Equal(t, "CC:DD", addr)

	_, err = r.Resolve(ctx, "SV-404")
	assert.ErrorIs(t, err, ErrHubNotFound)

	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-EMPTY"}))
	_, err = r.Resolve(ctx, "SV-EMPTY")
	assert.ErrorIs(t, err, ErrHubNotFound)
}

func TestHubResolver_RejectsChainedHub(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	storetest.Provision(t, s, "SV-HUB-001", "CC:DD", true)
	storetest.Provision(t, s, "SV-HUB-002", "EE:FF", true)

	_, err := s.ApplyDeviceHeartbeat(ctx, store.DeviceHeartbeat{
		HardwareAddress: "EE:FF",
		ReceivedAt:      base,
		Telemetry:       map[string]any{},
		Hub:             store.HubSet,
		HubAddress:      "CC:DD",
	})
	require.NoError(t, err)

	r := NewHubResolver(s, 0, zap.NewNop())
	_, err = r.Resolve(ctx, "SV-HUB-002")
	assert.ErrorIs(t, err, ErrHubChained)
}

func TestHubResolver_CacheAndInvalidate(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	storetest.Provision(t, s, "SV-HUB-001", "CC:DD", true)
	r := NewHubResolver(s, time.Hour, zap.NewNop())

	addr, err := r.Resolve(ctx, "SV-HUB-001")
	require.NoError(t, err)
	assert.Equal(t, "CC:DD", addr)

	// Re-provision a new primary; the cached answer survives until invalidated.
	storetest.Provision(t, s, "SV-HUB-001", "11:22", true)
	addr, err = r.Resolve(ctx, "SV-HUB-001")
	require.NoError(t, err)
	assert.Equal(t, "CC:DD", addr)

	r.Invalidate("SV-HUB-001")
	addr, err = r.Resolve(ctx, "SV-HUB-001")
	require.NoError(t, err)
	assert.Equal(t, "11:22", addr)
}

func TestHubResolver_DropsCachedHubOnceRelayed(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	storetest.Provision(t, s, "SV-HUB-A", "CC:DD", true)
	storetest.Provision(t, s, "SV-HUB-B", "EE:FF", true)
	r := NewHubResolver(s, time.Hour, zap.NewNop())

	addr, err := r.Resolve(ctx, "SV-HUB-A")
	require.NoError(t, err)
	assert.Equal(t, "CC:DD", addr)

	_, err = s.ApplyDeviceHeartbeat(ctx, store.DeviceHeartbeat{
		HardwareAddress: "CC:DD",
		ReceivedAt:      base,
		Telemetry:       map[string]any{},
		Hub:             store.HubSet,
		HubAddress:      "EE:FF",
	})
	require.NoError(t, err)

	_, err = r.Resolve(ctx, "SV-HUB-A")
	assert.ErrorIs(t, err, ErrHubChained)
}
