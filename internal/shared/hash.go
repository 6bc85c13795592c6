package shared

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSubject derives the pseudonymous storage key ("handle") for a user's
// stable external identity. Same subject always yields the same handle;
// distinct subjects collide only with SHA-256 odds.
func HashSubject(subject string) string {
	h := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(h[:])
}
