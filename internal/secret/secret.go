// Package secret is the encryption boundary for credential material.
// Credentials are stored as opaque sealed blobs and decrypted only
// immediately before use.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrDecrypt = errors.New("secret: decryption failed")

// Box seals and opens credential blobs with a single symmetric key.
type Box struct {
	key [keySize]byte
}

// NewBox creates a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", keySize, len(key))
	}
	b := &Box{}
	copy(b.key[:], key)
	return b, nil
}

// NewBoxFromHex creates a Box from a hex-encoded 32-byte key.
func NewBoxFromHex(s string) (*Box, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret: invalid hex key: %w", err)
	}
	return NewBox(key)
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("secret: failed to generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. The nonce is prepended to the returned blob.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("secret: failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &b.key), nil
}

// Open decrypts a blob produced by Seal. Tampered or truncated blobs
// return ErrDecrypt.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealString encrypts a string credential.
func (b *Box) SealString(s string) ([]byte, error) {
	return b.Seal([]byte(s))
}

// OpenString decrypts a blob back into a string credential.
func (b *Box) OpenString(blob []byte) (string, error) {
	plaintext, err := b.Open(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
