// Package digest derives non-reversible storage keys from opaque secrets.
//
// Secrets are hashed with SHA-256, or HMAC-SHA256 when a server-side key is
// configured, and rendered as 64 lowercase hex characters. The same secret
// always yields the same digest under the same key.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a rendered digest.
const Size = sha256.Size * 2

// Codec hashes secrets into digests.
type Codec struct {
	key []byte
}

// New returns a Codec. An empty key selects plain SHA-256.
func New(key string) Codec {
	if key == "" {
		return Codec{}
	}
	return Codec{key: []byte(key)}
}

// Sum returns the hex digest of secret.
func (c Codec) Sum(secret string) string {
	if len(c.key) == 0 {
		sum := sha256.Sum256([]byte(secret))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Short truncates a digest for log output.
func Short(d string) string {
	if len(d) <= 16 {
		return d
	}
	return d[:16]
}
