// Package sha256 fingerprints fetched page bodies so downstream consumers can
// skip pages whose content has not changed since the last scan.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of body.
func Digest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
