// Package cryptoutil provides the crypto primitives shared by enrollment,
// rotation, and token: hex-encoded SHA-256 hashing, constant-time hex
// comparison, and URL-safe random token generation. HMAC-SHA256 compact
// token signing lives in pkg/token, which layers the wire format on top of
// these primitives and github.com/golang-jwt/jwt/v5.
package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// SHA256Hex returns the lowercase hex-encoded SHA-256 digest of plaintext.
func SHA256Hex(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHexEqual compares two hex-encoded digests in constant time.
// It decodes both sides first so the comparison cost never leaks the
// length of a mismatch; unequal lengths or bad hex are rejected without a
// timing-sensitive early return.
func ConstantTimeHexEqual(a, b string) bool {
	da, errA := hex.DecodeString(a)
	db, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(da) != len(db) {
		return false
	}
	return subtle.ConstantTimeCompare(da, db) == 1
}

// RandomToken returns a cryptographically random, URL-safe, unpadded token
// of n raw bytes encoded with base64.RawURLEncoding.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptoutil: random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomID returns prefix + a random URL-safe suffix of n raw bytes, the
// identifier shape used for enr_, cli_, sec_ and tok_ identifiers.
func RandomID(prefix string, n int) (string, error) {
	suffix, err := RandomToken(n)
	if err != nil {
		return "", err
	}
	return prefix + suffix, nil
}
