package model

import "time"

// Unit is a logical product instance made of one or more devices. The rollup
// fields are merged from member heartbeats and are never cleared by a heartbeat.
type Unit struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	Serial          string     `gorm:"uniqueIndex;size:128;not null" json:"serial"`
	BatteryLevel    *int       `json:"batteryLevel"`
	IsCharging      *bool      `json:"isCharging"`
	WifiSignal      *int       `json:"wifiSignal"`
	Temperature     *float64   `json:"temperature"`
	Humidity        *float64   `json:"humidity"`
	FirmwareVersion *string    `gorm:"size:64" json:"firmwareVersion"`
	LastSeenAt      *time.Time `json:"lastSeenAt"`
	IsOnline        bool       `gorm:"not null;default:false" json:"isOnline"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	// Associations
	Devices []Device `gorm:"foreignKey:UnitID" json:"devices,omitempty"`
}
