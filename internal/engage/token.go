package engage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewToken mints an opaque 32-character tracking token. Tokens are minted
// only at preparation time and are the sole lookup key for the public
// tracking endpoints, so they must be unguessable.
func NewToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
