// Package secretbox implements the three-way encryption contract for
// sensitive AppState fields described in spec.md §4.3:
//
//	"ENC2:…" — current scheme, key derived by HKDF from the API-key bytes
//	           with the fixed info string "lancache-state-v2".
//	"ENC:…"  — legacy v1 scheme, key derived by HKDF from the same API-key
//	           bytes with a different fixed info string.
//	unprefixed — plaintext legacy.
//
// Both schemes take their key material from the API key alone; there is no
// separate encryption key, so the API key is the only secret protecting
// these fields.
//
// Decryption failures return ("", false) and log at error level rather than
// propagating — spec.md §7 "Crypto error": "return null from decrypt, log
// error; do not crash."
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	prefixV2     = "ENC2:"
	prefixV1     = "ENC:"
	infoV2       = "lancache-state-v2"
	infoV1Legacy = "lancache-state-v1-legacy" // fixed; the key material is still the API key
)

// Box encrypts/decrypts sensitive AppState strings using an API key's bytes
// as HKDF input key material.
type Box struct {
	apiKey []byte
	log    zerolog.Logger
}

// New constructs a Box. apiKey should come from an apikey.Provider.
func New(apiKey []byte, logger zerolog.Logger) *Box {
	return &Box{apiKey: apiKey, log: logger}
}

// Encrypt always emits the current (v2) scheme.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := deriveKey(b.apiKey, infoV2)
	if err != nil {
		return "", err
	}
	ct, err := seal(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return prefixV2 + ct, nil
}

// Decrypt accepts any of the three on-disk shapes. Failures are logged and
// reported as (nil-equivalent) "" plus ok=false — never an error the caller
// must propagate, per spec.md §7.
func (b *Box) Decrypt(stored string) (plaintext string, ok bool) {
	if stored == "" {
		return "", true
	}
	switch {
	case hasPrefix(stored, prefixV2):
		key, err := deriveKey(b.apiKey, infoV2)
		if err != nil {
			b.log.Error().Err(err).Msg("secretbox: derive v2 key")
			return "", false
		}
		pt, err := open(key, stored[len(prefixV2):])
		if err != nil {
			b.log.Error().Err(err).Msg("secretbox: decrypt ENC2 field")
			return "", false
		}
		return string(pt), true

	case hasPrefix(stored, prefixV1):
		key, err := deriveKey(b.apiKey, infoV1Legacy)
		if err != nil {
			b.log.Error().Err(err).Msg("secretbox: derive v1 key")
			return "", false
		}
		pt, err := open(key, stored[len(prefixV1):])
		if err != nil {
			b.log.Error().Err(err).Msg("secretbox: decrypt ENC field")
			return "", false
		}
		return string(pt), true

	default:
		// Unprefixed plaintext legacy value.
		return stored, true
	}
}

// NeedsUpgrade reports whether a stored value should be re-encrypted as v2
// on next save (true for plaintext and "ENC:" legacy values).
func NeedsUpgrade(stored string) bool {
	return stored != "" && !hasPrefix(stored, prefixV2)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func deriveKey(apiKey []byte, info string) ([]byte, error) {
	if len(apiKey) == 0 {
		return nil, errors.New("secretbox: empty API key")
	}
	h := hkdf.New(sha256.New, apiKey, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("secretbox: derive key: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func open(key []byte, encoded string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("secretbox: ciphertext too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}
