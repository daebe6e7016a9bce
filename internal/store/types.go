package store

import (
	"errors"
	"time"

	"gorm.io/datatypes"

	"fleet-relay-backend/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a create would duplicate a unique key.
	ErrConflict = errors.New("record already exists")
	// ErrInvalidOutcome is returned for a finish state that is not completed or failed.
	ErrInvalidOutcome = errors.New("invalid command outcome")
)

// HubChange says what a heartbeat does to the device's relay hub.
type HubChange int

const (
	// HubUnchanged leaves hub_hardware_address as it is.
	HubUnchanged HubChange = iota
	// HubSet points the device at DeviceHeartbeat.HubAddress.
	HubSet
	// HubClear marks the device as directly reachable.
	HubClear
)

// DeviceHeartbeat is everything a heartbeat writes to its device row.
type DeviceHeartbeat struct {
	HardwareAddress string
	ReceivedAt      time.Time
	// Empty keeps the stored firmware version.
	FirmwareVersion string
	Telemetry       map[string]any
	Hub             HubChange
	HubAddress      string
}

// DeviceProvision assigns a hardware address to a unit.
type DeviceProvision struct {
	HardwareAddress string
	// Empty leaves the device unassigned.
	UnitSerial string
	IsPrimary  bool
}

// CommandOutcome is a terminal result reported by a device.
type CommandOutcome struct {
	ID           string
	State        model.CommandState
	Result       datatypes.JSON
	ErrorMessage *string
	At           time.Time
}
