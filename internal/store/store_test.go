package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-relay-backend/internal/db"
	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/telemetry"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore returns a store over a migrated, file-backed SQLite database.
func newSQLiteStore(t *testing.T) (Store, *gorm.DB) {
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "relay.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gormDB))
	return NewGormStore(gormDB), gormDB
}

func seedUnitWithDevice(t *testing.T, s Store, serial, address string, primary bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetUnit(ctx, serial); err != nil {
		require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: serial}))
	}
	_, err := s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: address, UnitSerial: serial, IsPrimary: primary})
	require.NoError(t, err)
}

func TestGormStore_ProvisionDevice(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: "AA:BB", UnitSerial: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	dev, err := s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: "AA:BB"})
	require.NoError(t, err)
	assert.Equal(t, model.DeviceUnprovisioned, dev.Status)
	assert.Nil(t, dev.UnitID)

	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-001"}))
	dev, err = s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: "AA:BB", UnitSerial: "SV-001", IsPrimary: true})
	require.NoError(t, err)
	assert.Equal(t, model.DeviceProvisioned, dev.Status)
	require.NotNil(t, dev.UnitID)
	assert.True(t, dev.IsPrimary)

	// A new primary demotes the previous one.
	_, err = s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: "CC:DD", UnitSerial: "SV-001", IsPrimary: true})
	require.NoError(t, err)
	first, err := s.GetDevice(ctx, "AA:BB")
	require.NoError(t, err)
	assert.False(t, first.IsPrimary)

	primary, err := s.PrimaryDeviceForUnit(ctx, "SV-001")
	require.NoError(t, err)
	assert.Equal(t, "CC:DD", primary.HardwareAddress)

	_, err = s.PrimaryDeviceForUnit(ctx, "SV-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ProvisionDeviceKeepsLiveStatus(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedUnitWithDevice(t, s, "SV-001", "AA:BB", true)

	_, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{HardwareAddress: "AA:BB", ReceivedAt: base, Telemetry: map[string]any{}})
	require.NoError(t, err)

	dev, err := s.ProvisionDevice(ctx, DeviceProvision{HardwareAddress: "AA:BB", UnitSerial: "SV-001"})
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOnline, dev.Status)
}

func TestGormStore_CreateUnitConflict(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-001"}))
	assert.ErrorIs(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-001"}), ErrConflict)
}

func TestGormStore_PrimaryDeviceFallsBackToOldest(t *testing.T) {
	s, gormDB := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-002"}))
	unit, err := s.GetUnit(ctx, "SV-002")
	require.NoError(t, err)

	require.NoError(t, gormDB.Create(&model.Device{HardwareAddress: "22:22", UnitID: &unit.ID, Status: model.DeviceProvisioned, CreatedAt: base.Add(time.Minute)}).Error)
	require.NoError(t, gormDB.Create(&model.Device{HardwareAddress: "11:11", UnitID: &unit.ID, Status: model.DeviceProvisioned, CreatedAt: base}).Error)

	dev, err := s.PrimaryDeviceForUnit(ctx, "SV-002")
	require.NoError(t, err)
	assert.Equal(t, "11:11", dev.HardwareAddress)
}

func TestGormStore_ApplyDeviceHeartbeat(t *testing.T) {
	s, gormDB := newSQLiteStore(t)
	ctx := context.Background()
	seedUnitWithDevice(t, s, "SV-001", "AA:BB", false)
	require.NoError(t, gormDB.Model(&model.Device{}).Where("hardware_address = ?", "AA:BB").
		Update("firmware_version", "1.0.0").Error)

	t.Run("first heartbeat brings device online and sets hub", func(t *testing.T) {
		ok, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{
			HardwareAddress: "AA:BB",
			ReceivedAt:      base,
			Telemetry:       map[string]any{"free_heap": 1024.0},
			Hub:             HubSet,
			HubAddress:      "CC:DD",
		})
		require.NoError(t, err)
		assert.True(t, ok)

		dev, err := s.GetDevice(ctx, "AA:BB")
		require.NoError(t, err)
		assert.Equal(t, model.DeviceOnline, dev.Status)
		assert.Equal(t, "1.0.0", dev.FirmwareVersion, "firmware kept when heartbeat has none")
		require.NotNil(t, dev.HubHardwareAddress)
		assert.Equal(t, "CC:DD", *dev.HubHardwareAddress)
		require.NotNil(t, dev.LastSeenAt)
		assert.True(t, base.Equal(*dev.LastSeenAt))
		assert.Equal(t, 1024.0, dev.LatestTelemetry["free_heap"])
	})

	t.Run("unchanged hub is preserved", func(t *testing.T) {
		ok, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{
			HardwareAddress: "AA:BB",
			ReceivedAt:      base.Add(time.Minute),
			FirmwareVersion: "1.1.0",
			Telemetry:       map[string]any{},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		dev, err := s.GetDevice(ctx, "AA:BB")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", dev.FirmwareVersion)
		require.NotNil(t, dev.HubHardwareAddress)
		assert.Equal(t, "CC:DD", *dev.HubHardwareAddress)
	})

	t.Run("stale heartbeat is a no-op", func(t *testing.T) {
		ok, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{
			HardwareAddress: "AA:BB",
			ReceivedAt:      base.Add(-time.Hour),
			FirmwareVersion: "0.9.0",
			Telemetry:       map[string]any{},
			Hub:             HubClear,
		})
		require.NoError(t, err)
		assert.False(t, ok)

		dev, err := s.GetDevice(ctx, "AA:BB")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", dev.FirmwareVersion)
		assert.NotNil(t, dev.HubHardwareAddress)
	})

	t.Run("direct heartbeat clears hub", func(t *testing.T) {
		ok, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{
			HardwareAddress: "AA:BB",
			ReceivedAt:      base.Add(2 * time.Minute),
			Telemetry:       map[string]any{},
			Hub:             HubClear,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		dev, err := s.GetDevice(ctx, "AA:BB")
		require.NoError(t, err)
		assert.Nil(t, dev.HubHardwareAddress)
	})

	t.Run("unknown device", func(t *testing.T) {
		ok, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{HardwareAddress: "EE:FF", ReceivedAt: base, Telemetry: map[string]any{}})
		require.NoError(t, err)
		assert.False(t, ok)

		exists, err := s.DeviceExists(ctx, "EE:FF")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestGormStore_OfflineDeviceComesBackOnline(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	seedUnitWithDevice(t, s, "SV-001", "AA:BB", true)

	_, err := s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{HardwareAddress: "AA:BB", ReceivedAt: base, Telemetry: map[string]any{}})
	require.NoError(t, err)

	n, err := s.MarkStaleDevicesOffline(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	dev, err := s.GetDevice(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOffline, dev.Status)

	_, err = s.ApplyDeviceHeartbeat(ctx, DeviceHeartbeat{HardwareAddress: "AA:BB", ReceivedAt: base.Add(2 * time.Minute), Telemetry: map[string]any{}})
	require.NoError(t, err)
	dev, err = s.GetDevice(ctx, "AA:BB")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceOnline, dev.Status)
}

func TestGormStore_ApplyUnitRollupIsConvergent(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-001"}))

	ok, err := s.ApplyUnitRollup(ctx, "SV-001", telemetry.Rollup{
		BatteryLevel: ptr(80),
		IsCharging:   ptr(false),
		WifiSignal:   ptr(-60),
	}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// A second member device reports only environment readings, and arrives
	// with an older receipt time.
	ok, err = s.ApplyUnitRollup(ctx, "SV-001", telemetry.Rollup{
		Temperature: ptr(21.5),
		Humidity:    ptr(40.0),
	}, base)
	require.NoError(t, err)
	assert.True(t, ok)

	unit, err := s.GetUnit(ctx, "SV-001")
	require.NoError(t, err)
	require.NotNil(t, unit.BatteryLevel)
	assert.Equal(t, 80, *unit.BatteryLevel)
	require.NotNil(t, unit.IsCharging)
	assert.False(t, *unit.IsCharging)
	require.NotNil(t, unit.WifiSignal)
	assert.Equal(t, -60, *unit.WifiSignal)
	require.NotNil(t, unit.Temperature)
	assert.Equal(t, 21.5, *unit.Temperature)
	assert.True(t, unit.IsOnline)
	require.NotNil(t, unit.LastSeenAt)
	assert.True(t, base.Add(time.Minute).Equal(*unit.LastSeenAt), "last seen never moves backwards")

	ok, err = s.ApplyUnitRollup(ctx, "SV-404", telemetry.Rollup{}, base)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormStore_NonFiniteReadingKeepsRollup(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-001"}))

	_, err := s.ApplyUnitRollup(ctx, "SV-001", telemetry.Rollup{Temperature: ptr(21.5)}, base)
	require.NoError(t, err)

	r := telemetry.ExtractRollup(map[string]any{"temperature": "NaN", "humidity": "Inf"})
	_, err = s.ApplyUnitRollup(ctx, "SV-001", r, base.Add(time.Minute))
	require.NoError(t, err)

	unit, err := s.GetUnit(ctx, "SV-001")
	require.NoError(t, err)
	require.NotNil(t, unit.Temperature)
	assert.Equal(t, 21.5, *unit.Temperature)
	assert.Nil(t, unit.Humidity)
}

func TestGormStore_MarkStaleUnitsOffline(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-OLD"}))
	require.NoError(t, s.CreateUnit(ctx, &model.Unit{Serial: "SV-NEW"}))
	_, err := s.ApplyUnitRollup(ctx, "SV-OLD", telemetry.Rollup{}, base)
	require.NoError(t, err)
	_, err = s.ApplyUnitRollup(ctx, "SV-NEW", telemetry.Rollup{}, base.Add(10*time.Minute))
	require.NoError(t, err)

	n, err := s.MarkStaleUnitsOffline(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := s.GetUnit(ctx, "SV-OLD")
	require.NoError(t, err)
	assert.False(t, old.IsOnline)
	fresh, err := s.GetUnit(ctx, "SV-NEW")
	require.NoError(t, err)
	assert.True(t, fresh.IsOnline)
}

func newCommand(id, target string, priority int, createdAt time.Time) *model.Command {
	return &model.Command{
		ID:                    id,
		TargetHardwareAddress: target,
		Action:                "reboot",
		Priority:              priority,
		State:                 model.CommandPending,
		CreatedAt:             createdAt,
		UpdatedAt:             createdAt,
	}
}

func TestGormStore_CommandLifecycle(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, newCommand("cmd-1", "AA:BB", 0, base)))

	ok, err := s.MarkCommandSent(ctx, "cmd-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCommandSent(ctx, "cmd-1", base.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "only pending commands can be sent")

	ok, err = s.AcknowledgeCommand(ctx, "cmd-1", base.Add(3*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcknowledgeCommand(ctx, "cmd-1", base.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "duplicate ack is a no-op")

	ok, err = s.FinishCommand(ctx, CommandOutcome{
		ID:           "cmd-1",
		State:        model.CommandFailed,
		ErrorMessage: ptr("timeout"),
		Result:       datatypes.JSON(`{"code":7}`),
		At:           base.Add(5 * time.Second),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.FinishCommand(ctx, CommandOutcome{ID: "cmd-1", State: model.CommandCompleted, At: base.Add(6 * time.Second)})
	require.NoError(t, err)
	assert.False(t, ok, "terminal commands are never mutated")

	cmd, err := s.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.State)
	require.NotNil(t, cmd.ErrorMessage)
	assert.Equal(t, "timeout", *cmd.ErrorMessage)
	assert.JSONEq(t, `{"code":7}`, string(cmd.Result))
	assert.Equal(t, 1, cmd.DispatchAttempts)
	require.NotNil(t, cmd.SentAt)
	require.NotNil(t, cmd.AcknowledgedAt)
	require.NotNil(t, cmd.FinishedAt)

	_, err = s.FinishCommand(ctx, CommandOutcome{ID: "cmd-1", State: model.CommandExpired})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = s.GetCommand(ctx, "cmd-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_CancelAndExpire(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	expiring := newCommand("cmd-exp", "AA:BB", 0, base)
	expiring.ExpiresAt = ptr(base.Add(time.Minute))
	require.NoError(t, s.CreateCommand(ctx, expiring))

	later := newCommand("cmd-later", "AA:BB", 0, base)
	later.ExpiresAt = ptr(base.Add(time.Hour))
	require.NoError(t, s.CreateCommand(ctx, later))

	require.NoError(t, s.CreateCommand(ctx, newCommand("cmd-cancel", "AA:BB", 0, base)))

	ok, err := s.CancelCommand(ctx, "cmd-cancel", base)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CancelCommand(ctx, "cmd-cancel", base)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ExpireCommands(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cmd, err := s.GetCommand(ctx, "cmd-exp")
	require.NoError(t, err)
	assert.Equal(t, model.CommandExpired, cmd.State)

	// A late result cannot resurrect an expired command.
	ok, err = s.FinishCommand(ctx, CommandOutcome{ID: "cmd-exp", State: model.CommandCompleted, At: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok)

	cmd, err = s.GetCommand(ctx, "cmd-later")
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.State)
}

func TestGormStore_PendingOrdering(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCommand(ctx, newCommand("low-old", "AA:BB", 1, base)))
	require.NoError(t, s.CreateCommand(ctx, newCommand("high-new", "AA:BB", 5, base.Add(2*time.Second))))
	require.NoError(t, s.CreateCommand(ctx, newCommand("high-old", "AA:BB", 5, base.Add(time.Second))))
	require.NoError(t, s.CreateCommand(ctx, newCommand("other", "CC:DD", 9, base)))

	cmds, err := s.ListPendingCommands(ctx, "AA:BB")
	require.NoError(t, err)
	var ids []string
	for _, c := range cmds {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low-old"}, ids)

	history, err := s.ListCommandsForDevice(ctx, "AA:BB", "", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestGormStore_ListStalePendingCommands(t *testing.T) {
	s, _ := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCommand(ctx, newCommand("stale", "AA:BB", 0, base)))
	exhausted := newCommand("exhausted", "AA:BB", 0, base)
	exhausted.DispatchAttempts = 5
	require.NoError(t, s.CreateCommand(ctx, exhausted))
	require.NoError(t, s.CreateCommand(ctx, newCommand("fresh", "AA:BB", 0, base.Add(time.Hour))))

	cmds, err := s.ListStalePendingCommands(ctx, base.Add(time.Minute), 5, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "stale", cmds[0].ID)

	require.NoError(t, s.RecordDispatchFailure(ctx, "stale"))
	cmd, err := s.GetCommand(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, model.CommandPending, cmd.State)
	assert.Equal(t, 1, cmd.DispatchAttempts)
}

func TestGormStore_RollupIsSingleUpdate(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "units" SET "battery_level"=\$1,"is_online"=\$2,"last_seen_at"=CASE WHEN .* WHERE serial = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.ApplyUnitRollup(context.Background(), "SV-001", telemetry.Rollup{BatteryLevel: ptr(55)}, base)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_AcknowledgeIsConditionalUpdate(t *testing.T) {
	gormDB, mock := newTestDB(t)
	s := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "commands" SET .* WHERE id = \$\d+ AND state IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := s.AcknowledgeCommand(context.Background(), "cmd-1", base)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
