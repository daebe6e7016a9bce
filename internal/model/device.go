package model

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the provisioning/liveness state of a physical module.
type DeviceStatus string

const (
	DeviceUnprovisioned DeviceStatus = "unprovisioned"
	DeviceProvisioned   DeviceStatus = "provisioned"
	DeviceOnline        DeviceStatus = "online"
	DeviceOffline       DeviceStatus = "offline"
)

// Device represents one physical hardware module, keyed by its hardware address.
type Device struct {
	HardwareAddress string            `gorm:"primaryKey;size:64" json:"hardwareAddress"`
	UnitID          *int64            `gorm:"index" json:"unitId,omitempty"`
	IsPrimary       bool              `gorm:"not null;default:false" json:"isPrimary"`
	Status          DeviceStatus      `gorm:"size:32;not null;default:unprovisioned" json:"status"`
	FirmwareVersion string            `gorm:"size:64" json:"firmwareVersion"`
	LatestTelemetry datatypes.JSONMap `json:"latestTelemetry,omitempty"`
	// Non-nil only while heartbeats arrive through a hub.
	HubHardwareAddress *string    `gorm:"size:64;index" json:"hubHardwareAddress,omitempty"`
	LastSeenAt         *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	// Associations
	Unit *Unit `gorm:"constraint:OnDelete:SET NULL" json:"-"`
}

// IsRelayed reports whether commands for the device must go through a hub.
func (d *Device) IsRelayed() bool {
	return d.HubHardwareAddress != nil && *d.HubHardwareAddress != ""
}
