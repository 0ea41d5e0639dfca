package interfaces

import (
	"context"
	"time"
)

// HardwareRoot is the single trusted capability over the hardware-rooted secret.
// Implementations never expose the secret itself; they only derive from it.
type HardwareRoot interface {
	// DeriveKey runs HKDF over the root secret. Returns an error wrapping
	// ErrDerivationUnavailable when the secret cannot be accessed.
	DeriveKey(salt, info []byte, length int) ([]byte, error)
}

// QuoteProvider requests quotes from the attestation subsystem.
type QuoteProvider interface {
	AttestationType() AttestationType
	RequestQuote(ctx context.Context, reportData [ReportDataSize]byte) (*Quote, error)
}

// QuoteVerifier checks a quote's signature chain against a trusted attestation root.
// It does not evaluate freshness, report data or policy.
type QuoteVerifier interface {
	AttestationType() AttestationType
	VerifyQuote(ctx context.Context, quote *Quote) error
}

// NonceStore remembers nonces for a bounded lifetime.
type NonceStore interface {
	// Remember records nonce until now+ttl. Returns ErrNonceReplayed if the nonce
	// is already remembered and ErrNonceStoreFull if no capacity is left.
	Remember(ctx context.Context, nonce Nonce, now time.Time, ttl time.Duration) error
}

// AuditEvent describes the outcome of a single release attempt. It never
// contains key material.
type AuditEvent struct {
	Time              time.Time `json:"time"`
	RequestID         string    `json:"request_id"`
	Label             string    `json:"label,omitempty"`
	Nonce             string    `json:"nonce,omitempty"`
	Measurement       string    `json:"measurement,omitempty"`
	BindingTag        string    `json:"binding_tag,omitempty"`
	DerivationVersion uint32    `json:"derivation_version,omitempty"`
	Outcome           string    `json:"outcome"`
}

// AuditSink records release outcomes.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
	Name() string
}
