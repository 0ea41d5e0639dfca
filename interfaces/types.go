package interfaces

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// NonceSize is the size of a request nonce in bytes.
	NonceSize = 16
	// ReportDataSize is the size of the attestation report data field.
	ReportDataSize = 64
	// PublicKeySize is the size of an X25519 public key.
	PublicKeySize = 32
	// KeySize is the size of derived key material.
	KeySize = 32
	// MaxLabelLength bounds the requested key label.
	MaxLabelLength = 128
	// PlatformIDSize is the size of the platform identifier carried by quotes.
	PlatformIDSize = 16
)

// Measurement is a 32-byte hash identifying the code and data loaded into an enclave.
type Measurement [32]byte

// NewMeasurementFromBytes creates a measurement from a 32-byte slice.
func NewMeasurementFromBytes(b []byte) (Measurement, error) {
	if len(b) != 32 {
		return Measurement{}, errors.New("invalid measurement length: must be 32 bytes")
	}

	var m Measurement
	copy(m[:], b)
	return m, nil
}

// NewMeasurementFromHex parses a 64-character hex string, with or without 0x prefix.
func NewMeasurementFromHex(s string) (Measurement, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(clean) != 64 {
		return Measurement{}, errors.New("invalid measurement length: hex string must be 64 characters")
	}

	b, err := hex.DecodeString(clean)
	if err != nil {
		return Measurement{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewMeasurementFromBytes(b)
}

// String returns the hex representation of the measurement.
func (m Measurement) String() string {
	return hex.EncodeToString(m[:])
}

// IsZero reports whether the measurement is unset.
func (m Measurement) IsZero() bool {
	return m == Measurement{}
}

// MeasurementSet is an allowlist of measurements.
type MeasurementSet map[Measurement]struct{}

// NewMeasurementSet builds an allowlist from hex-encoded measurements.
func NewMeasurementSet(hexMeasurements []string) (MeasurementSet, error) {
	set := make(MeasurementSet, len(hexMeasurements))
	for _, h := range hexMeasurements {
		m, err := NewMeasurementFromHex(h)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed measurement %q: %w", h, err)
		}
		set[m] = struct{}{}
	}
	return set, nil
}

// Contains reports whether m is in the allowlist.
func (s MeasurementSet) Contains(m Measurement) bool {
	_, ok := s[m]
	return ok
}

// SealingIdentity is the provider's own identity, fixed at enclave build time.
// It is a read-only input to every derivation.
type SealingIdentity struct {
	Measurement   Measurement `json:"measurement"`
	PolicyVersion uint32      `json:"policy_version"`
	ProductID     uint32      `json:"product_id"`
}

// Nonce is a single-use random value carried by every key request.
type Nonce [NonceSize]byte

// NewNonceFromBytes creates a nonce from a 16-byte slice.
func NewNonceFromBytes(b []byte) (Nonce, error) {
	if len(b) != NonceSize {
		return Nonce{}, fmt.Errorf("invalid nonce length %d: must be %d bytes", len(b), NonceSize)
	}
	var n Nonce
	copy(n[:], b)
	return n, nil
}

// String returns the hex representation of the nonce.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether the nonce is all zeroes, which is never a fresh nonce.
func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

// AttestationType identifies the attestation mechanism behind a quote.
type AttestationType string

const (
	// SoftwareAttestation quotes are Ed25519-signed by a software attestation authority.
	SoftwareAttestation AttestationType = "software"
	// DCAPAttestation quotes are Intel TDX DCAP quotes.
	DCAPAttestation AttestationType = "qemu-tdx"
)

// Quote is attestation evidence produced by the attestation subsystem.
// ReportData binds the quote to a specific request; Signature is the opaque
// signed structure checked against the trusted attestation root.
type Quote struct {
	Type        AttestationType
	Measurement Measurement
	ReportData  [ReportDataSize]byte
	// Platform identifies the physical machine that produced the quote, when the
	// attestation type reports one.
	Platform  []byte
	Signature []byte
	Timestamp time.Time
}

// PublicKey returns the requester public key embedded in the first half of the report data.
func (q *Quote) PublicKey() [PublicKeySize]byte {
	var pk [PublicKeySize]byte
	copy(pk[:], q.ReportData[:PublicKeySize])
	return pk
}

// KeyRequest is a single request for key release. It is never persisted.
type KeyRequest struct {
	Nonce Nonce
	Label string
	Quote *Quote
}

// Validate checks that the request is well formed.
func (r *KeyRequest) Validate() error {
	if r.Nonce.IsZero() {
		return errors.New("nonce missing")
	}
	if err := ValidateLabel(r.Label); err != nil {
		return err
	}
	if r.Quote == nil {
		return errors.New("requester quote missing")
	}
	if len(r.Quote.Signature) == 0 {
		return errors.New("requester quote signature missing")
	}
	if r.Quote.Timestamp.IsZero() {
		return errors.New("requester quote timestamp missing")
	}
	return nil
}

// ValidateLabel checks that a key label is non-empty printable ASCII within bounds.
func ValidateLabel(label string) error {
	if len(label) == 0 {
		return errors.New("key label empty")
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("key label longer than %d bytes", MaxLabelLength)
	}
	for i := 0; i < len(label); i++ {
		if label[i] < 0x20 || label[i] > 0x7e {
			return fmt.Errorf("key label contains non-printable byte at %d", i)
		}
	}
	return nil
}

// RequestReportData computes the report data a requester must bind into its quote:
// its public key followed by a hash over the nonce, label and public key.
func RequestReportData(nonce Nonce, label string, pubkey [PublicKeySize]byte) [ReportDataSize]byte {
	h := sha256.New()
	h.Write([]byte("skp/request/v1"))
	h.Write(nonce[:])
	writeLengthPrefixed(h, []byte(label))
	h.Write(pubkey[:])

	var reportData [ReportDataSize]byte
	copy(reportData[:PublicKeySize], pubkey[:])
	copy(reportData[PublicKeySize:], h.Sum(nil))
	return reportData
}

// ResponseReportData computes the report data the provider binds into its own quote
// attached to a response.
func ResponseReportData(nonce Nonce, label string, bindingTag [32]byte, derivationVersion uint32) [ReportDataSize]byte {
	h := sha512.New()
	h.Write([]byte("skp/response/v1"))
	h.Write(nonce[:])
	writeLengthPrefixed(h, []byte(label))
	h.Write(bindingTag[:])
	binary.Write(h, binary.BigEndian, derivationVersion)

	var reportData [ReportDataSize]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// IdentityReportData computes the report data for a public self-attestation of the
// provider identity, bound to a verifier-chosen nonce.
func IdentityReportData(nonce Nonce, identity SealingIdentity) [ReportDataSize]byte {
	h := sha512.New()
	h.Write([]byte("skp/identity/v1"))
	h.Write(nonce[:])
	h.Write(identity.Measurement[:])
	binary.Write(h, binary.BigEndian, identity.PolicyVersion)
	binary.Write(h, binary.BigEndian, identity.ProductID)

	var reportData [ReportDataSize]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

func writeLengthPrefixed(h io.Writer, b []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	h.Write(l[:])
	h.Write(b)
}

// AttestedIdentity is the identity recovered from a verified quote.
type AttestedIdentity struct {
	Measurement Measurement
	PublicKey   [PublicKeySize]byte
	Timestamp   time.Time
}

// BindingTag is the hash of the attested identity a sealed key is bound to.
func (id AttestedIdentity) BindingTag() [32]byte {
	h := sha256.New()
	h.Write([]byte("skp/binding/v1"))
	h.Write(id.Measurement[:])
	h.Write(id.PublicKey[:])

	var tag [32]byte
	copy(tag[:], h.Sum(nil))
	return tag
}

// SealedKey is key material encrypted to an attested identity. The caller owns it
// after return; the provider retains no copy.
type SealedKey struct {
	Ciphertext        []byte
	BindingTag        [32]byte
	DerivationVersion uint32
	// ProviderQuote attests the provider's response context, see ResponseReportData.
	ProviderQuote *Quote
}

// KeyMaterial is plaintext key material. Callers must Erase it once it is no longer needed.
type KeyMaterial []byte

// Erase zeroes the key material in place.
func (k KeyMaterial) Erase() {
	clear(k)
}
