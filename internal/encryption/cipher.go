// Package encryption seals rendered documents at rest with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/sdko-org/docvault/internal/errs"
)

const (
	KeySize = 32
	IVSize  = 12
)

// Cipher is safe for concurrent use; the key is fixed at construction.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errs.ErrEncryptionKeyInvalid, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionKeyInvalid, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionKeyInvalid, err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// ParseKey decodes key material from configuration. Hex (64 chars) and
// standard base64 are accepted.
func ParseKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: key is empty", errs.ErrEncryptionKeyInvalid)
	}
	if len(value) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(value); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: key is neither hex nor base64", errs.ErrEncryptionKeyInvalid)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errs.ErrEncryptionKeyInvalid, KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext under a fresh random IV. The IV is returned
// separately and must be stored next to the ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	return c.aead.Seal(nil, iv, plaintext, nil), iv, nil
}

func (c *Cipher) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", errs.ErrDecryptionFailed, IVSize, len(iv))
	}
	if len(ciphertext) < c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext truncated", errs.ErrDecryptionFailed)
	}
	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
