// Package idempotency derives the deduplication key stored with every raw
// webhook event.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const separator = "|"

// Key hashes the ordered event identity fields. An absent event id is passed
// as the empty string.
func Key(eventID, userID, field, value string) string {
	combined := strings.Join([]string{eventID, userID, field, value}, separator)
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:])
}
