package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 of tok, used to sign webhook payloads
// without putting the secret itself on the wire.
func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
