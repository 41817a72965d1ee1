// Package id generates identifiers for exports and preview sessions.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Prefixes used across the service.
const (
	PrefixExport  = "exp"
	PrefixPreview = "pv"
)

// Generate creates a new unique ID.
// Format: <prefix>-<timestamp>-<random>
// Example: exp-1701432000-a1b2c3d4
func Generate(prefix string) string {
	timestamp := time.Now().Unix()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// Fallback to the nanosecond clock if crypto/rand fails
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, timestamp, hex.EncodeToString(random))
}
