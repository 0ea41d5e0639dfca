package kms

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// DerivationSalt is the HKDF salt of every sealing key derivation.
const DerivationSalt = "skp/sealing/v1"

// Engine derives sealing keys from a hardware root bound to an enclave identity.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	root interfaces.HardwareRoot
}

// NewEngine creates a derivation engine over root.
func NewEngine(root interfaces.HardwareRoot) *Engine {
	return &Engine{root: root}
}

// Derive returns the sealing key for identity and label. The same root, identity and
// label always yield the same key. Errors wrap interfaces.ErrDerivationUnavailable
// and must not be retried.
func (e *Engine) Derive(identity interfaces.SealingIdentity, label string) (interfaces.KeyMaterial, error) {
	return e.DeriveFor(identity, label, nil)
}

// DeriveFor is Derive with the requester's measurement additionally bound into the
// derivation, so that different requester builds receive different keys for the
// same label. A nil requester is equivalent to Derive.
func (e *Engine) DeriveFor(identity interfaces.SealingIdentity, label string, requester *interfaces.Measurement) (interfaces.KeyMaterial, error) {
	if err := interfaces.ValidateLabel(label); err != nil {
		return nil, err
	}
	if e.root == nil {
		return nil, fmt.Errorf("%w: no hardware root configured", interfaces.ErrDerivationUnavailable)
	}

	key, err := e.root.DeriveKey([]byte(DerivationSalt), derivationInfo(identity, label, requester), interfaces.KeySize)
	if err != nil {
		if errors.Is(err, interfaces.ErrDerivationUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrDerivationUnavailable, err)
	}
	if len(key) != interfaces.KeySize {
		clear(key)
		return nil, fmt.Errorf("%w: root returned %d bytes", interfaces.ErrDerivationUnavailable, len(key))
	}
	return interfaces.KeyMaterial(key), nil
}

// derivationInfo encodes the binding context:
// measurement || BE32(policy_version) || BE32(product_id) || BE32(len(label)) || label [|| requester measurement]
func derivationInfo(identity interfaces.SealingIdentity, label string, requester *interfaces.Measurement) []byte {
	info := make([]byte, 0, 32+4+4+4+len(label)+32)
	info = append(info, identity.Measurement[:]...)
	info = binary.BigEndian.AppendUint32(info, identity.PolicyVersion)
	info = binary.BigEndian.AppendUint32(info, identity.ProductID)
	info = binary.BigEndian.AppendUint32(info, uint32(len(label)))
	info = append(info, label...)
	if requester != nil {
		info = append(info, requester[:]...)
	}
	return info
}
