// Package credstore persists per-vendor credential material on disk.
// Each vendor owns an isolated directory derived from its id, so repeated
// loads after a save round-trip without loss and no cross-vendor
// contention exists. Material is sealed at rest with a secret-key cipher.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const credsFileName = "creds.bin"
const nonceSize = 24

// ErrCorruptMaterial is returned when stored material fails authentication,
// e.g. after tampering or a key change.
var ErrCorruptMaterial = errors.New("credential material corrupt or sealed with a different key")

// Store seals and persists credential material under a base directory,
// one subdirectory per vendor.
type Store struct {
	baseDir string
	key     [32]byte
}

// New creates the base directory if needed and derives the sealing key
// from the configured secret.
func New(baseDir, secret string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		key:     sha256.Sum256([]byte("djula-creds:" + secret)),
	}, nil
}

// Dir returns the vendor's credential directory. The mapping is a stable
// function of the vendor id so reconnects reuse the same material.
func (s *Store) Dir(vendorID string) string {
	return filepath.Join(s.baseDir, vendorID)
}

// Load returns the vendor's credential material, or nil when none has
// been saved yet.
func (s *Store) Load(vendorID string) ([]byte, error) {
	sealed, err := os.ReadFile(filepath.Join(s.Dir(vendorID), credsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, ErrCorruptMaterial
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	material, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrCorruptMaterial
	}
	return material, nil
}

// Save seals and writes the vendor's credential material, creating the
// vendor directory on first use.
func (s *Store) Save(vendorID string, material []byte) error {
	dir := s.Dir(vendorID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vendor auth dir: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("crypto/rand: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], material, &nonce, &s.key)
	// Write-then-rename so a crash never leaves a truncated file behind.
	tmp := filepath.Join(dir, credsFileName+".tmp")
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, credsFileName)); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

// Clear removes the vendor's credential directory. Clearing a vendor with
// no stored material is a no-op, not an error.
func (s *Store) Clear(vendorID string) error {
	return os.RemoveAll(s.Dir(vendorID))
}

// Has reports whether the vendor has saved credential material.
func (s *Store) Has(vendorID string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(vendorID), credsFileName))
	return err == nil
}
