package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// tokenBytes gives 256 bits of entropy per token.
const tokenBytes = 32

// IssueToken returns a fresh URL-safe random token and its digest. Only the
// digest is meant to be stored.
func IssueToken() (raw string, digest string, err error) {
	b := make([]byte, tokenBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, DigestToken(raw), nil
}

// DigestToken returns the hex SHA-256 of raw.
func DigestToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyToken recomputes the digest of raw and compares it to the stored
// digest in constant time.
func VerifyToken(raw, digest string) bool {
	if raw == "" || digest == "" {
		return false
	}
	computed := DigestToken(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}
