package kms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"golang.org/x/crypto/hkdf"
)

// MinRootSecretSize is the minimum size of a hardware root secret.
const MinRootSecretSize = 32

func hkdfExpand(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		clear(out)
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

// StaticRoot derives from a secret held in process memory. It is meant for
// development, or for secrets already unsealed by another mechanism.
type StaticRoot struct {
	mu     sync.RWMutex
	secret []byte
}

// NewStaticRoot creates a root from secret. The secret must be at least 32 bytes.
func NewStaticRoot(secret []byte) (*StaticRoot, error) {
	if len(secret) < MinRootSecretSize {
		return nil, fmt.Errorf("root secret must be at least %d bytes", MinRootSecretSize)
	}
	return &StaticRoot{secret: append([]byte(nil), secret...)}, nil
}

// NewStaticRootFromHex creates a root from a hex-encoded secret.
func NewStaticRootFromHex(secretHex string) (*StaticRoot, error) {
	secret, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(secretHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid root secret hex: %w", err)
	}
	defer clear(secret)
	return NewStaticRoot(secret)
}

func (r *StaticRoot) DeriveKey(salt, info []byte, length int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.secret == nil {
		return nil, fmt.Errorf("%w: root secret erased", interfaces.ErrDerivationUnavailable)
	}
	return hkdfExpand(r.secret, salt, info, length)
}

// Erase zeroes the secret. Every later derivation fails with ErrDerivationUnavailable.
func (r *StaticRoot) Erase() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.secret)
	r.secret = nil
}

// DefaultSealingKeyPath is where Gramine exposes the MRENCLAVE-bound SGX sealing key.
const DefaultSealingKeyPath = "/dev/attestation/keys/_sgx_mrenclave"

// FileRoot derives from a sealing key file exposed by the enclave runtime. The file
// is read on every derivation and the raw key is wiped after use, so the secret is
// never retained by the process.
type FileRoot struct {
	Path string
}

func (r *FileRoot) DeriveKey(salt, info []byte, length int) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = DefaultSealingKeyPath
	}

	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading sealing key: %w", interfaces.ErrDerivationUnavailable, err)
	}
	defer clear(secret)

	// The runtime exposes 16-byte SGX sealing keys; anything shorter is not a key.
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: sealing key file has %d bytes", interfaces.ErrDerivationUnavailable, len(secret))
	}
	return hkdfExpand(secret, salt, info, length)
}
