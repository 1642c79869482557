package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the SHA-256 hash of a raw token as a hex string. Storing
// only the hash prevents attackers from using stolen database entries to
// refresh sessions.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SaltedHash returns hex(SHA-256(salt || value)). Device fingerprints and
// client IPs are embedded in tokens only in this form, never raw.
func SaltedHash(salt, value string) string {
	sum := sha256.Sum256([]byte(salt + value))
	return hex.EncodeToString(sum[:])
}
