package provider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeyboxKeySize is the AES-256 key length the keybox requires.
const KeyboxKeySize = 32

var (
	ErrInvalidKeyboxKey = errors.New("invalid keybox key")
	ErrCorruptSealedKey = errors.New("corrupt sealed credential")
)

// Keybox seals own-key API credentials for storage and opens them again at
// resolve time. AES-GCM with a random nonce prefixed to the ciphertext.
type Keybox struct {
	aead cipher.AEAD
}

// NewKeybox builds a Keybox from a 32-byte key.
func NewKeybox(key []byte) (*Keybox, error) {
	if len(key) != KeyboxKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKeyboxKey, KeyboxKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyboxKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyboxKey, err)
	}
	return &Keybox{aead: aead}, nil
}

// Seal encrypts an API key for storage.
func (box *Keybox) Seal(apiKey string) ([]byte, error) {
	nonce := make([]byte, box.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return box.aead.Seal(nonce, nonce, []byte(apiKey), nil), nil
}

// Open decrypts a stored credential blob.
func (box *Keybox) Open(sealed []byte) (string, error) {
	nonceSize := box.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", ErrCorruptSealedKey
	}
	plaintext, err := box.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptSealedKey, err)
	}
	return string(plaintext), nil
}
