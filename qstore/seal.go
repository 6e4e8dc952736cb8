package qstore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kardianos/qtel/qdef"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// keySalt is mixed with the application identifier to derive the sealing key.
// Anyone with access to the binary and the identifier can recover the key.
// The goal is to keep credentials out of plain text.
var keySalt = []byte{
	0x7a, 0x3f, 0x9c, 0x2b, 0x8e, 0x1d, 0x4a, 0x6f,
	0xb5, 0x82, 0xd9, 0x0c, 0x73, 0xe4, 0x51, 0xa8,
}

// Sealer encrypts values with a key derived deterministically from the
// application identifier, so the same binary and identifier always open what
// they sealed.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key for appID.
func NewSealer(appID string) (*Sealer, error) {
	if appID == "" {
		return nil, fmt.Errorf("qstore: application identifier is required")
	}
	s := &Sealer{}
	kdf := hkdf.New(sha256.New, []byte(appID), keySalt, []byte("qtel credential store v1"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("qstore: derive key: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext. Returns nonce (24 bytes) + ciphertext, additionally
// protected by the platform where one is available.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return protect(secretbox.Seal(nonce[:], plaintext, &nonce, &s.key))
}

// Open decrypts data produced by Seal. A wrong key or damaged bytes
// always yield an error wrapping qdef.ErrCorrupt.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	raw, err := unprotect(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", qdef.ErrCorrupt, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", qdef.ErrCorrupt)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plaintext, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("%w: decrypt failed", qdef.ErrCorrupt)
	}
	return plaintext, nil
}
