// Package firmware checks the payload shape of over-the-air update commands.
package firmware

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/Masterminds/semver/v3"
)

// ActionOTAUpdate is the command action that asks a device to fetch new firmware.
const ActionOTAUpdate = "ota_update"

var (
	ErrInvalidVersion = errors.New("invalid firmware version")
	ErrInvalidURL     = errors.New("invalid firmware url")
)

// ValidateCommand rejects ota_update commands whose parameters cannot be
// acted on by a device. Other actions pass through untouched.
func ValidateCommand(action string, params map[string]any) error {
	if action != ActionOTAUpdate {
		return nil
	}

	raw, _ := params["version"].(string)
	if _, err := ParseVersion(raw); err != nil {
		return err
	}

	link, _ := params["url"].(string)
	u, err := url.Parse(link)
	if err != nil || link == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, link)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q must be an absolute http(s) url", ErrInvalidURL, link)
	}
	return nil
}

// ParseVersion parses a semantic version, accepting an optional leading "v".
func ParseVersion(raw string) (*semver.Version, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, raw, err)
	}
	return v, nil
}

// IsNewer reports whether candidate is a strictly higher version than current.
// An unparseable current version is treated as older than any valid candidate.
func IsNewer(candidate, current string) (bool, error) {
	c, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}
	cur, err := ParseVersion(current)
	if err != nil {
		return true, nil
	}
	return c.GreaterThan(cur), nil
}
