// Package storetest opens throwaway SQLite-backed stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-relay-backend/internal/db"
	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/store"
)

// New returns a store over a migrated database file in t.TempDir().
func New(t testing.TB) (store.Store, *gorm.DB) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// One connection keeps every statement on the same SQLite handle.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return store.NewGormStore(gormDB), gormDB
}

// Provision creates the unit when needed and assigns address to it.
func Provision(t testing.TB, s store.Store, serial, address string, primary bool) *model.Device {
	t.Helper()
	ctx := context.Background()
	if serial != "" {
		if _, err := s.GetUnit(ctx, serial); err != nil {
			require.ErrorIs(t, err, store.ErrNotFound)
			require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: serial}))
		}
	}
	dev, err := s.ProvisionDevice(ctx, store.DeviceProvision{HardwareAddress: address, UnitSerial: serial, IsPrimary: primary})
	require.NoError(t, err)
	return dev
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
