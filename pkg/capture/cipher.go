package capture

import (
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Cipher is the symmetric transform applied to serialized records.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// CipherFuncs adapts a pair of functions to Cipher.
type CipherFuncs struct {
	EncryptFunc func([]byte) ([]byte, error)
	DecryptFunc func([]byte) ([]byte, error)
}

// Encrypt implements Cipher.
func (c CipherFuncs) Encrypt(plain []byte) ([]byte, error) { return c.EncryptFunc(plain) }

// Decrypt implements Cipher.
func (c CipherFuncs) Decrypt(sealed []byte) ([]byte, error) { return c.DecryptFunc(sealed) }

var (
	ErrEmptySecret  = errors.New("capture: empty encryption secret")
	ErrShortPayload = errors.New("capture: sealed payload too short")
)

const keyInfo = "tapkit capture record v1"

// AEADCipher seals records with XChaCha20-Poly1305. The nonce is prepended
// to every ciphertext.
type AEADCipher struct {
	aead gocipher.AEAD
}

// NewCipher derives a record key from secret with HKDF-SHA256.
func NewCipher(secret string) (*AEADCipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &AEADCipher{aead: aead}, nil
}

// Encrypt implements Cipher.
func (c *AEADCipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt implements Cipher.
func (c *AEADCipher) Decrypt(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, ErrShortPayload
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
