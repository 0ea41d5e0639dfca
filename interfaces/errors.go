package interfaces

import (
	"errors"
	"fmt"
)

// RejectCode is the client-visible reason a key request was rejected.
type RejectCode uint8

const (
	// MalformedRequest: the request could not be parsed or is missing fields. Not retried.
	MalformedRequest RejectCode = iota + 1
	// EvidenceInvalid: the requester quote failed verification. The client may retry with a fresh quote.
	EvidenceInvalid
	// QuoteGenerationFailed: the provider could not obtain its own quote within the retry ceiling.
	QuoteGenerationFailed
	// DerivationUnavailable: the hardware root is unusable. Terminates the provider.
	DerivationUnavailable
	// Timeout: the request or a quote generation deadline expired. The client may retry.
	Timeout
	// ReplayDetected: the nonce was already used within the validity window. Not retried.
	ReplayDetected
	// Overloaded: the replay cache has no free slot. The client may retry later.
	Overloaded
)

var rejectCodeNames = map[RejectCode]string{
	MalformedRequest:      "malformed_request",
	EvidenceInvalid:       "evidence_invalid",
	QuoteGenerationFailed: "quote_generation_failed",
	DerivationUnavailable: "derivation_unavailable",
	Timeout:               "timeout",
	ReplayDetected:        "replay_detected",
	Overloaded:            "overloaded",
}

// String returns the wire name of the code.
func (c RejectCode) String() string {
	if name, ok := rejectCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// Valid reports whether c is a known code.
func (c RejectCode) Valid() bool {
	_, ok := rejectCodeNames[c]
	return ok
}

// Retryable reports whether a client may retry the request, possibly with fresh evidence.
func (c RejectCode) Retryable() bool {
	switch c {
	case EvidenceInvalid, QuoteGenerationFailed, Timeout, Overloaded:
		return true
	default:
		return false
	}
}

// Fatal reports whether the condition must terminate the provider process.
func (c RejectCode) Fatal() bool {
	return c == DerivationUnavailable
}

// Rejection is the terminal error of a key release. Code is client-visible;
// Err holds operator-only diagnostics and must never be sent to the client.
type Rejection struct {
	Code RejectCode
	Err  error
}

// Reject wraps err into a rejection with the given code.
func Reject(code RejectCode, err error) *Rejection {
	return &Rejection{Code: code, Err: err}
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return r.Code.String()
	}
	return fmt.Sprintf("%s: %v", r.Code, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// RejectCodeOf extracts the rejection code from err, if any.
func RejectCodeOf(err error) (RejectCode, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Code, true
	}
	return 0, false
}

var (
	// ErrDerivationUnavailable is returned when the hardware-rooted secret cannot be accessed.
	ErrDerivationUnavailable = errors.New("hardware root secret unavailable")

	// ErrQuoteGenerationFailed is returned when the attestation subsystem does not produce a quote.
	ErrQuoteGenerationFailed = errors.New("quote generation failed")

	// ErrNonceReplayed is returned by a NonceStore when the nonce is still remembered.
	ErrNonceReplayed = errors.New("nonce already used")

	// ErrNonceStoreFull is returned by a NonceStore that cannot remember another nonce.
	ErrNonceStoreFull = errors.New("nonce store full")

	// ErrUnsupportedAttestation is returned for quotes of an unknown attestation type.
	ErrUnsupportedAttestation = errors.New("unsupported attestation type")
)
