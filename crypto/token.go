package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// PairingCodeLength is the number of decimal digits in a pairing code.
	PairingCodeLength = 6
	tokenSize         = 32
)

// NewPairingCode returns a uniformly random 6-digit code, leading zeros kept.
func NewPairingCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", PairingCodeLength, n.Int64()), nil
}

// NormalizePairingCode trims and lower-cases a code typed by an operator.
func NormalizePairingCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// PairingCodesEqual compares two codes case-insensitively after trimming.
func PairingCodesEqual(a, b string) bool {
	na := NormalizePairingCode(a)
	nb := NormalizePairingCode(b)
	if na == "" || nb == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(na), []byte(nb)) == 1
}

// NewToken returns a random bearer token.
func NewToken() (string, error) {
	raw := make([]byte, tokenSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokenDigest returns the hex BLAKE2b-256 digest stored in place of a token.
func TokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DigestsEqual compares two token digests in constant time.
func DigestsEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
