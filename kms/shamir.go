package kms

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// ShamirRoot holds a root secret that is split into shares held by administrators.
// The secret is never stored; it is reconstructed in memory once a threshold of
// shares has been submitted. Until then the root is locked and every derivation
// fails with ErrDerivationUnavailable.
type ShamirRoot struct {
	mu             sync.RWMutex
	secret         []byte
	threshold      int
	receivedShares map[string][]byte
	unlocked       chan struct{}

	// Hex-encoded Ed25519 keys allowed to submit shares. Empty means shares are
	// accepted without signatures.
	adminKeys map[string]ed25519.PublicKey
}

// ShamirConfig contains configuration parameters for a ShamirRoot.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the secret.
	Threshold int
	// AdminKeys are the Ed25519 public keys of administrators allowed to submit shares.
	AdminKeys []ed25519.PublicKey
}

// SplitRootSecret splits secret into shares of which threshold are required to
// recover it.
func SplitRootSecret(secret []byte, shares, threshold int) ([][]byte, error) {
	if len(secret) < MinRootSecretSize {
		return nil, fmt.Errorf("root secret must be at least %d bytes", MinRootSecretSize)
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if shares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	parts, err := shamir.Split(secret, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split root secret: %w", err)
	}
	return parts, nil
}

// NewShamirRoot creates a locked root awaiting shares.
func NewShamirRoot(config ShamirConfig) (*ShamirRoot, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	r := &ShamirRoot{
		threshold:      config.Threshold,
		receivedShares: make(map[string][]byte),
		unlocked:       make(chan struct{}),
		adminKeys:      make(map[string]ed25519.PublicKey),
	}
	for _, key := range config.AdminKeys {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid admin key length %d", len(key))
		}
		r.adminKeys[hex.EncodeToString(key)] = key
	}
	// Every share must be signed, so at least threshold distinct admins are needed.
	if len(r.adminKeys) < config.Threshold {
		return nil, fmt.Errorf("%d admin keys configured, threshold %d needs at least as many", len(r.adminKeys), config.Threshold)
	}
	return r, nil
}

// SubmitShare adds a share signed by one of the registered admins. Each admin
// contributes at most one share. The secret is reconstructed as soon as the
// threshold is reached.
func (r *ShamirRoot) SubmitShare(share, signature []byte, adminKey ed25519.PublicKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.secret != nil {
		return errors.New("root is already unlocked")
	}
	if len(share) < 2 {
		return errors.New("share too short")
	}

	submitter := hex.EncodeToString(adminKey)
	registered, found := r.adminKeys[submitter]
	if !found {
		return errors.New("unregistered admin key")
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(registered, share, signature) {
		return errors.New("invalid share signature")
	}

	r.receivedShares[submitter] = append([]byte(nil), share...)
	return r.tryReconstruct()
}

func (r *ShamirRoot) tryReconstruct() error {
	if len(r.receivedShares) < r.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct root secret: %w", err)
	}
	if len(secret) < MinRootSecretSize {
		clear(secret)
		return fmt.Errorf("reconstructed root secret has %d bytes", len(secret))
	}

	r.secret = secret
	close(r.unlocked)
	for k := range r.receivedShares {
		clear(r.receivedShares[k])
	}
	r.receivedShares = make(map[string][]byte)
	return nil
}

// IsUnlocked reports whether the secret has been reconstructed.
func (r *ShamirRoot) IsUnlocked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.secret != nil
}

// Status reports how many shares are pending out of the threshold.
func (r *ShamirRoot) Status() (submitted, threshold int, unlocked bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.receivedShares), r.threshold, r.secret != nil
}

// WaitUnlocked blocks until the secret is reconstructed or ctx is done.
func (r *ShamirRoot) WaitUnlocked(ctx context.Context) error {
	select {
	case <-r.unlocked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ShamirRoot) DeriveKey(salt, info []byte, length int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.secret == nil {
		return nil, fmt.Errorf("%w: root is locked, need more shares", interfaces.ErrDerivationUnavailable)
	}
	return hkdfExpand(r.secret, salt, info, length)
}

// ShareFile is the on-disk form of an administrator's share.
type ShareFile struct {
	Share     string `json:"share"`
	AdminKey  string `json:"admin_key,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SignShare produces a share file signed with an administrator key.
func SignShare(share []byte, adminKey ed25519.PrivateKey) ShareFile {
	return ShareFile{
		Share:     hex.EncodeToString(share),
		AdminKey:  hex.EncodeToString(adminKey.Public().(ed25519.PublicKey)),
		Signature: hex.EncodeToString(ed25519.Sign(adminKey, share)),
	}
}

// LoadShareFiles submits every share file in dir to the root. Files that fail to
// parse or verify are errors; the root may still be locked afterwards.
func (r *ShamirRoot) LoadShareFiles(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range paths {
		if r.IsUnlocked() {
			return nil
		}
		if err := r.loadShareFile(path); err != nil {
			return fmt.Errorf("share file %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (r *ShamirRoot) loadShareFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sf ShareFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("invalid share file: %w", err)
	}
	return r.SubmitShareFile(sf)
}

// SubmitShareFile decodes and submits a hex-encoded share.
func (r *ShamirRoot) SubmitShareFile(sf ShareFile) error {
	share, err := hex.DecodeString(sf.Share)
	if err != nil {
		return fmt.Errorf("invalid share hex: %w", err)
	}
	defer clear(share)

	signature, err := hex.DecodeString(sf.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	adminKey, err := hex.DecodeString(sf.AdminKey)
	if err != nil {
		return fmt.Errorf("invalid admin key hex: %w", err)
	}

	return r.SubmitShare(share, signature, ed25519.PublicKey(adminKey))
}
