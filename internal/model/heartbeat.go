package model

import (
	"time"

	"gorm.io/datatypes"
)

// HeartbeatKind classifies an ingested heartbeat.
type HeartbeatKind string

const (
	HeartbeatStatus        HeartbeatKind = "status"
	HeartbeatCommandAck    HeartbeatKind = "command_ack"
	HeartbeatCommandResult HeartbeatKind = "command_result"
)

// Valid reports whether k is a recognized heartbeat kind.
func (k HeartbeatKind) Valid() bool {
	switch k {
	case HeartbeatStatus, HeartbeatCommandAck, HeartbeatCommandResult:
		return true
	}
	return false
}

// RelayTypeHub is the only relay type that is a routable command destination.
const RelayTypeHub = "hub"

// HeartbeatRecord is the append-only log of ingested heartbeats. Rows are
// written once and never updated.
type HeartbeatRecord struct {
	ID              int64             `gorm:"primaryKey" json:"id"`
	HardwareAddress string            `gorm:"size:64;index;not null" json:"hardwareAddress"`
	UnitSerial      *string           `gorm:"size:128" json:"unitSerial,omitempty"`
	RelayDeviceType *string           `gorm:"size:32" json:"relayDeviceType,omitempty"`
	RelayInstanceID *string           `gorm:"size:128" json:"relayInstanceId,omitempty"`
	Kind            HeartbeatKind     `gorm:"size:32;not null" json:"kind"`
	CommandID       *string           `gorm:"size:64;index" json:"commandId,omitempty"`
	Telemetry       datatypes.JSONMap `json:"telemetry,omitempty"`

	// Discrete fields sent by older firmware that predates the telemetry map.
	FirmwareVersion *string  `gorm:"size:64" json:"firmwareVersion,omitempty"`
	BatteryLevel    *int     `json:"batteryLevel,omitempty"`
	IsCharging      *bool    `json:"isCharging,omitempty"`
	WifiSignal      *int     `json:"wifiSignal,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`

	ReceivedAt time.Time `gorm:"index;not null" json:"receivedAt"`
}
