package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash returns the SHA-256 digest of data as uppercase hex.
// This is the value sent as image_sha alongside an attached image; the
// backend compares it against the multipart payload it receives.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
