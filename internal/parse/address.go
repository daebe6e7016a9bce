package parse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ChannelPrefix names the per-device publish channels.
const ChannelPrefix = "device:"

var (
	separatedRe = regexp.MustCompile(`^[0-9A-Fa-f]{2}([:\-.][0-9A-Fa-f]{2})*$`)
	bareRe      = regexp.MustCompile(`^([0-9A-Fa-f]{2})+$`)

	// ErrInvalidAddress is returned for strings that are not a hardware address.
	ErrInvalidAddress = errors.New("invalid hardware address")
)

const maxAddressBytes = 20

// HardwareAddress normalizes a hardware address to upper-case, colon separated
// octets. "aa-bb-cc", "aabbcc" and "AA:BB:CC" all become "AA:BB:CC".
func HardwareAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	var hex string
	switch {
	case separatedRe.MatchString(s):
		hex = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	case bareRe.MatchString(s):
		hex = s
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}

	if len(hex)/2 > maxAddressBytes {
		return "", fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidAddress, raw, maxAddressBytes)
	}

	hex = strings.ToUpper(hex)
	octets := make([]string, 0, len(hex)/2)
	for i := 0; i < len(hex); i += 2 {
		octets = append(octets, hex[i:i+2])
	}
	return strings.Join(octets, ":"), nil
}

// Channel returns the publish channel for a normalized hardware address.
// Colons are replaced so the name stays safe as a single topic segment.
func Channel(address string) string {
	return ChannelPrefix + strings.ReplaceAll(address, ":", "-")
}
