// Package crypto seals OAuth tokens before they are written to the database.
// Sealed values are AES-256-GCM ciphertexts, base64 encoded and tagged with a
// version prefix so plaintext rows written before encryption was enabled can
// still be read and migrated.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks a value produced by Seal. Bump the version when the format changes.
const Prefix = "enc:v1:"

var ErrDecrypt = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor is the AEAD primitive used by Sealer.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM. The output layout is
// nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key.
// Generate one with:
//
//	openssl rand -base64 32
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Sealer converts token strings to and from their stored form. A Sealer with a
// nil Encryptor stores plaintext, which keeps local development keyless.
type Sealer struct {
	enc Encryptor
}

func NewSealer(enc Encryptor) *Sealer {
	return &Sealer{enc: enc}
}

// NewSealerFromKey builds a Sealer from a base64 key. An empty key yields a
// plaintext Sealer.
func NewSealerFromKey(base64Key string) (*Sealer, error) {
	if base64Key == "" {
		return &Sealer{}, nil
	}
	enc, err := NewAESEncryptor(base64Key)
	if err != nil {
		return nil, err
	}
	return &Sealer{enc: enc}, nil
}

// Enabled reports whether values are encrypted on write.
func (s *Sealer) Enabled() bool { return s != nil && s.enc != nil }

func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || !s.Enabled() {
		return plaintext, nil
	}
	ct, err := s.enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open returns the plaintext of a stored value. Values without Prefix are
// returned unchanged.
func (s *Sealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	if !s.Enabled() {
		return "", fmt.Errorf("value is encrypted but no ENCRYPTION_KEY is configured")
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := s.enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, Prefix)
}
