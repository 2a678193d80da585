package device

import (
	"fmt"

	"github.com/srg/blesession/internal/bledb"
)

// NormalizeUUID is re-exported from bledb for convenience.
// It converts a UUID string to lowercase without dashes, shortening SIG-based 128-bit UUIDs.
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ParseCharacteristicRef parses "service/characteristic" into a normalized reference.
func ParseCharacteristicRef(s string) (CharacteristicRef, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != '/' {
			continue
		}
		svc, char := NormalizeUUID(s[:i]), NormalizeUUID(s[i+1:])
		if svc == "" || char == "" {
			break
		}
		return CharacteristicRef{ServiceUUID: svc, CharacteristicUUID: char}, nil
	}
	return CharacteristicRef{}, fmt.Errorf("invalid characteristic reference %q: want <service>/<characteristic>", s)
}
