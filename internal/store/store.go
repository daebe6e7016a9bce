package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-relay-backend/internal/model"
	"fleet-relay-backend/internal/telemetry"
)

// Store defines the interface for all database operations.
//
// Every mutation of a device, unit or command row is a single conditional
// UPDATE so concurrent handlers never lose each other's writes. Methods that
// apply a transition report whether a row actually changed.
type Store interface {
	DB() *gorm.DB

	InsertHeartbeat(ctx context.Context, rec *model.HeartbeatRecord) error
	GetHeartbeat(ctx context.Context, id int64) (*model.HeartbeatRecord, error)

	GetDevice(ctx context.Context, address string) (*model.Device, error)
	DeviceExists(ctx context.Context, address string) (bool, error)
	ProvisionDevice(ctx context.Context, p DeviceProvision) (*model.Device, error)
	PrimaryDeviceForUnit(ctx context.Context, serial string) (*model.Device, error)
	ApplyDeviceHeartbeat(ctx context.Context, u DeviceHeartbeat) (bool, error)
	MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error)

	CreateUnit(ctx context.Context, unit *model.Unit) error
	GetUnit(ctx context.Context, serial string) (*model.Unit, error)
	ApplyUnitRollup(ctx context.Context, serial string, r telemetry.Rollup, receivedAt time.Time) (bool, error)
	MarkStaleUnitsOffline(ctx context.Context, cutoff time.Time) (int64, error)

	CreateCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, id string) (*model.Command, error)
	ListCommandsForDevice(ctx context.Context, address string, state model.CommandState, limit int) ([]model.Command, error)
	ListPendingCommands(ctx context.Context, address string) ([]model.Command, error)
	ListStalePendingCommands(ctx context.Context, before time.Time, maxAttempts, limit int) ([]model.Command, error)
	MarkCommandSent(ctx context.Context, id string, at time.Time) (bool, error)
	RecordDispatchFailure(ctx context.Context, id string) error
	AcknowledgeCommand(ctx context.Context, id string, at time.Time) (bool, error)
	FinishCommand(ctx context.Context, o CommandOutcome) (bool, error)
	CancelCommand(ctx context.Context, id string, at time.Time) (bool, error)
	ExpireCommands(ctx context.Context, now time.Time) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func stateNames(states ...model.CommandState) []string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return names
}

// --- Heartbeats ---

func (s *gormStore) InsertHeartbeat(ctx context.Context, rec *model.HeartbeatRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert heartbeat for %s: %w", rec.HardwareAddress, err)
	}
	return nil
}

func (s *gormStore) GetHeartbeat(ctx context.Context, id int64) (*model.HeartbeatRecord, error) {
	var rec model.HeartbeatRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// --- Devices ---

func (s *gormStore) GetDevice(ctx context.Context, address string) (*model.Device, error) {
	var dev model.Device
	if err := s.db.WithContext(ctx).Where("hardware_address = ?", address).Take(&dev).Error; err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

func (s *gormStore) DeviceExists(ctx context.Context, address string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Device{}).Where("hardware_address = ?", address).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ProvisionDevice creates or re-assigns a device. Status only moves forward:
// an unprovisioned device becomes provisioned once it belongs to a unit.
func (s *gormStore) ProvisionDevice(ctx context.Context, p DeviceProvision) (*model.Device, error) {
	var dev model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unitID *int64
		status := model.DeviceUnprovisioned
		if p.UnitSerial != "" {
			var unit model.Unit
			if err := tx.Where("serial = ?", p.UnitSerial).Take(&unit).Error; err != nil {
				return notFound(err)
			}
			unitID = &unit.ID
			status = model.DeviceProvisioned

			if p.IsPrimary {
				if err := tx.Model(&model.Device{}).
					Where("unit_id = ? AND hardware_address <> ?", unit.ID, p.HardwareAddress).
					Update("is_primary", false).Error; err != nil {
					return fmt.Errorf("failed to clear previous primary of unit %s: %w", p.UnitSerial, err)
				}
			}
		}

		row := model.Device{
			HardwareAddress: p.HardwareAddress,
			UnitID:          unitID,
			IsPrimary:       p.IsPrimary && unitID != nil,
			Status:          status,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "hardware_address"}},
			DoUpdates: clause.Assignments(map[string]any{
				"unit_id":    unitID,
				"is_primary": row.IsPrimary,
				"status": gorm.Expr("CASE WHEN devices.status = ? THEN excluded.status ELSE devices.status END",
					string(model.DeviceUnprovisioned)),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to upsert device %s: %w", p.HardwareAddress, err)
		}

		return tx.Where("hardware_address = ?", p.HardwareAddress).Take(&dev).Error
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// PrimaryDeviceForUnit returns the unit's primary device, falling back to its
// oldest device when none is flagged.
func (s *gormStore) PrimaryDeviceForUnit(ctx context.Context, serial string) (*model.Device, error) {
	var dev model.Device
	err := s.db.WithContext(ctx).
		Joins("JOIN units ON units.id = devices.unit_id").
		Where("units.serial = ?", serial).
		Order("devices.is_primary DESC").
		Order("devices.created_at ASC").
		Take(&dev).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &dev, nil
}

// ApplyDeviceHeartbeat merges a heartbeat into its device row in one UPDATE.
// A heartbeat older than the row's last_seen_at changes nothing, so replays
// and reordered deliveries cannot regress the device. It returns false when no
// row was updated (unknown address or stale heartbeat).
func (s *gormStore) ApplyDeviceHeartbeat(ctx context.Context, u DeviceHeartbeat) (bool, error) {
	updates := map[string]any{
		"last_seen_at":     u.ReceivedAt,
		"latest_telemetry": datatypes.JSONMap(u.Telemetry),
		"status": gorm.Expr("CASE WHEN status IN (?, ?) THEN ? ELSE status END",
			string(model.DeviceProvisioned), string(model.DeviceOffline), string(model.DeviceOnline)),
	}
	if u.FirmwareVersion != "" {
		updates["firmware_version"] = u.FirmwareVersion
	}
	switch u.Hub {
	case HubSet:
		updates["hub_hardware_address"] = u.HubAddress
	case HubClear:
		updates["hub_hardware_address"] = nil
	}

	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("hardware_address = ? AND (last_seen_at IS NULL OR last_seen_at <= ?)", u.HardwareAddress, u.ReceivedAt).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to apply heartbeat to device %s: %w", u.HardwareAddress, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) MarkStaleDevicesOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Device{}).
		Where("status = ? AND last_seen_at < ?", string(model.DeviceOnline), cutoff).
		Update("status", string(model.DeviceOffline))
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark stale devices offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- Units ---

func (s *gormStore) CreateUnit(ctx context.Context, unit *model.Unit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Unit{}).Where("serial = ?", unit.Serial).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("unit %s: %w", unit.Serial, ErrConflict)
		}
		if err := tx.Create(unit).Error; err != nil {
			return fmt.Errorf("failed to create unit %s: %w", unit.Serial, err)
		}
		return nil
	})
}

func (s *gormStore) GetUnit(ctx context.Context, serial string) (*model.Unit, error) {
	var unit model.Unit
	if err := s.db.WithContext(ctx).Preload("Devices").Where("serial = ?", serial).Take(&unit).Error; err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

// ApplyUnitRollup merges heartbeat values into the unit in one UPDATE. Fields
// the heartbeat did not supply are left out of the SET list, which keeps the
// value last written by any member device.
func (s *gormStore) ApplyUnitRollup(ctx context.Context, serial string, r telemetry.Rollup, receivedAt time.Time) (bool, error) {
	updates := map[string]any{
		"is_online": true,
		"last_seen_at": gorm.Expr("CASE WHEN last_seen_at IS NULL OR last_seen_at < ? THEN ? ELSE last_seen_at END",
			receivedAt, receivedAt),
	}
	if r.BatteryLevel != nil {
		updates["battery_level"] = *r.BatteryLevel
	}
	if r.IsCharging != nil {
		updates["is_charging"] = *r.IsCharging
	}
	if r.WifiSignal != nil {
		updates["wifi_signal"] = *r.WifiSignal
	}
	if r.Temperature != nil {
		updates["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		updates["humidity"] = *r.Humidity
	}
	if r.FirmwareVersion != nil {
		updates["firmware_version"] = *r.FirmwareVersion
	}

	res := s.db.WithContext(ctx).Model(&model.Unit{}).Where("serial = ?", serial).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to apply rollup to unit %s: %w", serial, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *gormStore) MarkStaleUnitsOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Unit{}).
		Where("is_online = ? AND (last_seen_at IS NULL OR last_seen_at < ?)", true, cutoff).
		Update("is_online", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to mark stale units offline: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// --- Commands ---

func (s *gormStore) CreateCommand(ctx context.Context, cmd *model.Command) error {
	if err := s.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("failed to create command for %s: %w", cmd.TargetHardwareAddress, err)
	}
	return nil
}

func (s *gormStore) GetCommand(ctx context.Context, id string) (*model.Command, error) {
	var cmd model.Command
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&cmd).Error; err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

func (s *gormStore) ListCommandsForDevice(ctx context.Context, address string, state model.CommandState, limit int) ([]model.Command, error) {
	q := s.db.WithContext(ctx).Where("target_hardware_address = ?", address)
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	var cmds []model.Command
	if err := q.Order("created_at DESC").Limit(limit).Find(&cmds).Error; err != nil {
		return nil, err
	}
	return cmds, nil
}

// ListPendingCommands returns the target's pending commands in delivery order.
func (s *gormStore) ListPendingCommands(ctx context.Context, address string) ([]model.Command, error) {
	var cmds []model.Command
	err := s.db.WithContext(ctx).
		Where("target_hardware_address = ? AND state = ?", address, string(model.CommandPending)).
		Order("priority DESC").
		Order("created_at ASC").
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands for %s: %w", address, err)
	}
	return cmds, nil
}

// ListStalePendingCommands finds pending commands untouched since before that
// have not used up their dispatch attempts.
func (s *gormStore) ListStalePendingCommands(ctx context.Context, before time.Time, maxAttempts, limit int) ([]model.Command, error) {
	var cmds []model.Command
	err := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ? AND dispatch_attempts < ?", string(model.CommandPending), before, maxAttempts).
		Order("priority DESC").
		Order("created_at ASC").
		Limit(limit).
		Find(&cmds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending commands: %w", err)
	}
	return cmds, nil
}

func (s *gormStore) transition(ctx context.Context, id string, from []model.CommandState, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("id = ? AND state IN ?", id, stateNames(from...)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update command %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func nonTerminal() []model.CommandState {
	return []model.CommandState{model.CommandPending, model.CommandSent, model.CommandAcknowledged}
}

func (s *gormStore) MarkCommandSent(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, id, []model.CommandState{model.CommandPending}, map[string]any{
		"state":             string(model.CommandSent),
		"sent_at":           at,
		"dispatch_attempts": gorm.Expr("dispatch_attempts + 1"),
	})
}

// RecordDispatchFailure counts a failed publish. The command stays pending.
func (s *gormStore) RecordDispatchFailure(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, []model.CommandState{model.CommandPending}, map[string]any{
		"dispatch_attempts": gorm.Expr("dispatch_attempts + 1"),
	})
	return err
}

func (s *gormStore) AcknowledgeCommand(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, id, []model.CommandState{model.CommandPending, model.CommandSent}, map[string]any{
		"state":           string(model.CommandAcknowledged),
		"acknowledged_at": at,
	})
}

// FinishCommand moves a non-terminal command to completed or failed.
func (s *gormStore) FinishCommand(ctx context.Context, o CommandOutcome) (bool, error) {
	if o.State != model.CommandCompleted && o.State != model.CommandFailed {
		return false, fmt.Errorf("%w: %q", ErrInvalidOutcome, o.State)
	}
	updates := map[string]any{
		"state":       string(o.State),
		"finished_at": o.At,
	}
	if o.Result != nil {
		updates["result"] = o.Result
	}
	if o.ErrorMessage != nil {
		updates["error_message"] = *o.ErrorMessage
	}
	return s.transition(ctx, o.ID, nonTerminal(), updates)
}

func (s *gormStore) CancelCommand(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, id, []model.CommandState{model.CommandPending, model.CommandSent}, map[string]any{
		"state":       string(model.CommandCancelled),
		"finished_at": at,
	})
}

func (s *gormStore) ExpireCommands(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Command{}).
		Where("state IN ? AND expires_at IS NOT NULL AND expires_at <= ?", stateNames(nonTerminal()...), now).
		Updates(map[string]any{
			"state":       string(model.CommandExpired),
			"finished_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", res.Error)
	}
	return res.RowsAffected, nil
}
