package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxPeerIDLength   = 128
	MaxRoomCodeLength = 32
)

var (
	// PeerIDRegex validates peer identity format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// RoomCodeRegex validates room code format
	RoomCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidatePeerID validates a signaling identity
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format (only letters, numbers, '.', '_', '-' allowed)")
	}
	return nil
}

// ValidateRoomCode validates a room code. The Host identity is derived from
// it, so it must also be a valid peer ID fragment.
func ValidateRoomCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("room code is required")
	}
	if len(code) > MaxRoomCodeLength {
		return fmt.Errorf("room code is too long (max %d characters)", MaxRoomCodeLength)
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("room code contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https", "ws", "wss"}
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length in runes
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
