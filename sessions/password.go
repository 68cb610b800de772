package sessions

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordSaltLength = 8
	passwordIterations = 1000
	passwordKeyLength  = sha256.Size

	// legacyPrefix marks password hashes from before the PBKDF2 scheme,
	// which verify through single-round salted SHA-1.
	legacyPrefix = "SALT_"
)

// HashPassword derives the stored form of |password|: a fresh 8-byte salt
// and a 1000-iteration PBKDF2-SHA256 digest, serialized as
// base64(salt || digest).
func HashPassword(password string) (string, error) {
	var salt = make([]byte, passwordSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	var digest = pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, digest...)), nil
}

// VerifyPassword reports whether |password| matches the stored |encoded|
// hash, supporting both the current PBKDF2 scheme and legacy SALT_-prefixed
// SHA-1 hashes.
func VerifyPassword(password, encoded string) bool {
	if len(encoded) > len(legacyPrefix) && encoded[:len(legacyPrefix)] == legacyPrefix {
		return verifyLegacy(password, encoded[len(legacyPrefix):])
	}

	var raw, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != passwordSaltLength+passwordKeyLength {
		return false
	}
	var salt, stored = raw[:passwordSaltLength], raw[passwordSaltLength:]
	var digest = pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(digest, stored) == 1
}

// verifyLegacy checks the pre-PBKDF2 form: base64(salt || sha1(salt ||
// password)).
func verifyLegacy(password, encoded string) bool {
	var raw, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) <= passwordSaltLength {
		return false
	}
	var salt, stored = raw[:passwordSaltLength], raw[passwordSaltLength:]

	var h = sha1.New()
	h.Write(salt)
	h.Write([]byte(password))
	return subtle.ConstantTimeCompare(h.Sum(nil), stored) == 1
}

// EncodeLegacyHash renders a password in the legacy SHA-1 form. It exists
// for migration tooling and tests; new hashes always use HashPassword.
func EncodeLegacyHash(password string, salt []byte) string {
	var h = sha1.New()
	h.Write(salt)
	h.Write([]byte(password))
	return legacyPrefix + base64.StdEncoding.EncodeToString(append(append([]byte(nil), salt...), h.Sum(nil)...))
}
