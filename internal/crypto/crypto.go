// Package crypto provides Argon2id password hashing and API-key material.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (RFC 9106 second recommendation: memory-lean,
// suitable for interactive logins).
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

const keyPrefix = "alloy_"

// ErrMismatch is returned when a password or key secret doesn't match
// its stored hash.
var ErrMismatch = errors.New("hash mismatch")

// HashPassword hashes a password (or API-key secret) with Argon2id and
// returns a PHC-formatted string.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against a PHC-formatted Argon2id
// hash. Returns ErrMismatch when the password is wrong.
func VerifyPassword(password, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return errors.New("malformed argon2id hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return fmt.Errorf("parse version: %w", err)
	}
	if version != argon2.Version {
		return fmt.Errorf("unsupported argon2 version %d", version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return fmt.Errorf("parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return fmt.Errorf("decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

// NewAPIKey mints raw API-key material for the given key id. The raw
// form is "alloy_{id}.{secret}": the id locates the stored record, the
// secret is verified against its Argon2id hash. Returns (raw, hash).
func NewAPIKey(keyID string) (string, string, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	hash, err := HashPassword(secret)
	if err != nil {
		return "", "", err
	}
	return keyPrefix + keyID + "." + secret, hash, nil
}

// ParseAPIKey splits raw key material into (key id, secret).
func ParseAPIKey(raw string) (string, string, error) {
	rest, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok {
		return "", "", errors.New("malformed api key")
	}
	id, secret, ok := strings.Cut(rest, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errors.New("malformed api key")
	}
	return id, secret, nil
}

// NewID returns a random 128-bit identifier as 32 hex characters.
func NewID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
