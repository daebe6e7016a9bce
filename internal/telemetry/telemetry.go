// Package telemetry reads the open key/value telemetry map carried by
// heartbeats. Values arrive as decoded JSON, so numbers may be float64,
// json.Number or numeric strings depending on the sender.
package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"fleet-relay-backend/internal/model"
)

// Recognized keys. Everything else is stored verbatim.
const (
	KeyFirmwareVersion = "firmware_version"
	KeyBatteryLevel    = "battery_level"
	KeyIsCharging      = "is_charging"
	KeyWifiSignal      = "wifi_signal"
	KeyRSSI            = "rssi"
	KeyTemperature     = "temperature"
	KeyHumidity        = "humidity"

	KeyStatus       = "status"
	KeyResult       = "result"
	KeyErrorMessage = "error_message"
)

// Resolve returns the heartbeat's telemetry map, or one synthesized from the
// legacy discrete fields when the sender did not include a map.
func Resolve(rec *model.HeartbeatRecord) map[string]any {
	if rec.Telemetry != nil {
		return map[string]any(rec.Telemetry)
	}
	return FromLegacy(rec)
}

// FromLegacy builds a telemetry map from the discrete fields older firmware
// sends. Only fields that are set appear in the result.
func FromLegacy(rec *model.HeartbeatRecord) map[string]any {
	m := make(map[string]any)
	if rec.FirmwareVersion != nil && *rec.FirmwareVersion != "" {
		m[KeyFirmwareVersion] = *rec.FirmwareVersion
	}
	if rec.BatteryLevel != nil {
		m[KeyBatteryLevel] = float64(*rec.BatteryLevel)
	}
	if rec.IsCharging != nil {
		m[KeyIsCharging] = *rec.IsCharging
	}
	if rec.WifiSignal != nil {
		m[KeyWifiSignal] = float64(*rec.WifiSignal)
	}
	if rec.Temperature != nil {
		m[KeyTemperature] = *rec.Temperature
	}
	if rec.Humidity != nil {
		m[KeyHumidity] = *rec.Humidity
	}
	return m
}

// Rollup holds the consumer-facing values a heartbeat supplies for its unit.
// A nil field means the heartbeat said nothing about it.
type Rollup struct {
	BatteryLevel    *int
	IsCharging      *bool
	WifiSignal      *int
	Temperature     *float64
	Humidity        *float64
	FirmwareVersion *string
}

// Empty reports whether the rollup carries no values at all.
func (r Rollup) Empty() bool {
	return r.BatteryLevel == nil && r.IsCharging == nil && r.WifiSignal == nil &&
		r.Temperature == nil && r.Humidity == nil && r.FirmwareVersion == nil
}

// ExtractRollup picks the unit rollup fields out of a telemetry map.
func ExtractRollup(m map[string]any) Rollup {
	var r Rollup
	if v, ok := Int(m, KeyBatteryLevel); ok {
		r.BatteryLevel = &v
	}
	if v, ok := Bool(m, KeyIsCharging); ok {
		r.IsCharging = &v
	}
	if v, ok := Int(m, KeyWifiSignal); ok {
		r.WifiSignal = &v
	} else if v, ok := Int(m, KeyRSSI); ok {
		r.WifiSignal = &v
	}
	if v, ok := Float(m, KeyTemperature); ok {
		r.Temperature = &v
	}
	if v, ok := Float(m, KeyHumidity); ok {
		r.Humidity = &v
	}
	if v, ok := String(m, KeyFirmwareVersion); ok && v != "" {
		r.FirmwareVersion = &v
	}
	return r
}

// Result is what a command_result heartbeat reports about a command.
type Result struct {
	Status       string
	Value        any
	HasValue     bool
	ErrorMessage *string
}

// ExtractResult reads status, result and error_message from a telemetry map.
func ExtractResult(m map[string]any) Result {
	var r Result
	if s, ok := String(m, KeyStatus); ok {
		r.Status = strings.ToLower(strings.TrimSpace(s))
	}
	if v, ok := m[KeyResult]; ok && v != nil {
		r.Value = v
		r.HasValue = true
	}
	if s, ok := String(m, KeyErrorMessage); ok && s != "" {
		r.ErrorMessage = &s
	}
	return r
}

// String returns a string value. Numbers and booleans are not converted.
func String(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns a finite numeric value as float64. NaN and infinities are
// treated as absent.
func Float(m map[string]any, key string) (float64, bool) {
	f, ok := number(m, key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Int returns a numeric value rounded to the nearest integer.
func Int(m map[string]any, key string) (int, bool) {
	f, ok := Float(m, key)
	if !ok {
		return 0, false
	}
	return int(math.Round(f)), true
}

// Bool returns a boolean value. Numeric 0/1 and "true"/"false" are accepted.
func Bool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	if f, ok := Float(m, key); ok {
		return f != 0, true
	}
	return false, false
}
