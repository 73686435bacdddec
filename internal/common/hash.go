package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sha256Hex digests input with SHA-256 and returns lowercase hex. Both the
// gateway signature scheme and the callback replay guard key on this form.
func Sha256Hex(input string) string {
	digest := sha256.Sum256([]byte(input))
	return hex.EncodeToString(digest[:])
}
