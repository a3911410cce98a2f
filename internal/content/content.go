// Package content models notification message bodies that are stored
// encrypted at rest. Plaintext only materializes through an explicit Open
// call at the read boundary; a Sealed value redacts itself everywhere else.
package content

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Sealed holds an encoded (possibly encrypted) message body. Its String and
// JSON representations are redacted so a Sealed value can never leak
// plaintext into logs or API responses by accident.
type Sealed struct {
	encoded string
}

// FromStored rehydrates a Sealed value from its storage encoding.
func FromStored(encoded string) Sealed {
	return Sealed{encoded: encoded}
}

// Stored returns the storage encoding.
func (s Sealed) Stored() string {
	return s.encoded
}

func (s Sealed) String() string {
	return "[sealed]"
}

func (s Sealed) MarshalJSON() ([]byte, error) {
	return []byte(`"[sealed]"`), nil
}

// Codec seals plaintext for storage and opens it back at the read boundary.
type Codec interface {
	Seal(plaintext string) (Sealed, error)
	Open(s Sealed) (string, error)
}

// ErrIntegrity is returned when a sealed body fails decryption or its
// integrity tag does not verify.
var ErrIntegrity = errors.New("sealed content failed integrity check")

// AESCodec encrypts with AES-256-GCM. The nonce is prepended to the
// ciphertext and the whole value is base64-encoded for storage.
type AESCodec struct {
	aead cipher.AEAD
}

// NewAESCodec builds a codec from a 32-byte key.
func NewAESCodec(key []byte) (*AESCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("content key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESCodec{aead: aead}, nil
}

func (c *AESCodec) Seal(plaintext string) (Sealed, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Sealed{encoded: base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (c *AESCodec) Open(s Sealed) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s.encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrIntegrity
	}
	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plaintext), nil
}

// PlainCodec stores plaintext as-is. Used when no CONTENT_KEY is configured
// (development and single-tenant on-prem installs).
type PlainCodec struct{}

func (PlainCodec) Seal(plaintext string) (Sealed, error) {
	return Sealed{encoded: plaintext}, nil
}

func (PlainCodec) Open(s Sealed) (string, error) {
	return s.encoded, nil
}
