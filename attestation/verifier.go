package attestation

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// Verification failures. They are wrapped in a *interfaces.Rejection with code
// EvidenceInvalid and are only ever shown to operators.
var (
	ErrQuoteStale            = errors.New("quote older than max staleness")
	ErrQuoteFromFuture       = errors.New("quote timestamp in the future")
	ErrReportDataMismatch    = errors.New("report data does not match request context")
	ErrSignatureInvalid      = errors.New("quote signature invalid")
	ErrMeasurementNotAllowed = errors.New("measurement not in allowlist")
	ErrPlatformMismatch      = errors.New("quote from a different platform")
)

// VerifierConfig is the verification policy.
type VerifierConfig struct {
	AllowedMeasurements interfaces.MeasurementSet
	MaxStaleness        time.Duration
	MaxClockSkew        time.Duration
	// Platform, when set, restricts peers to quotes produced on this platform.
	Platform []byte
}

// Verifier validates peer quotes. Every check is mandatory; they run cheapest first
// so that stale or misbound quotes never reach signature verification.
type Verifier struct {
	cfg      VerifierConfig
	backends map[interfaces.AttestationType]interfaces.QuoteVerifier
	Now      func() time.Time
}

// NewVerifier creates a verifier trusting the given signature backends, one per
// attestation type.
func NewVerifier(cfg VerifierConfig, backends ...interfaces.QuoteVerifier) *Verifier {
	v := &Verifier{
		cfg:      cfg,
		backends: make(map[interfaces.AttestationType]interfaces.QuoteVerifier, len(backends)),
		Now:      time.Now,
	}
	for _, b := range backends {
		v.backends[b.AttestationType()] = b
	}
	return v
}

// MaxStaleness is the validity window of a quote.
func (v *Verifier) MaxStaleness() time.Duration {
	return v.cfg.MaxStaleness
}

// Verify checks quote against the expected report data and the policy, in order:
// freshness, report data equality, signature against the trusted root, measurement
// allowlist, then platform when one is required. The first failing check rejects
// with EvidenceInvalid.
func (v *Verifier) Verify(ctx context.Context, quote *interfaces.Quote, expectedReportData [interfaces.ReportDataSize]byte) (*interfaces.AttestedIdentity, error) {
	if quote == nil {
		return nil, reject(errors.New("no quote"))
	}

	now := v.Now()
	age := now.Sub(quote.Timestamp)
	if age >= v.cfg.MaxStaleness {
		return nil, reject(fmt.Errorf("%w: age %s", ErrQuoteStale, age))
	}
	if -age > v.cfg.MaxClockSkew {
		return nil, reject(fmt.Errorf("%w: %s ahead", ErrQuoteFromFuture, -age))
	}

	if subtle.ConstantTimeCompare(quote.ReportData[:], expectedReportData[:]) != 1 {
		return nil, reject(ErrReportDataMismatch)
	}

	backend, ok := v.backends[quote.Type]
	if !ok {
		return nil, reject(fmt.Errorf("%w: %q", interfaces.ErrUnsupportedAttestation, quote.Type))
	}
	if err := backend.VerifyQuote(ctx, quote); err != nil {
		return nil, reject(fmt.Errorf("%w: %w", ErrSignatureInvalid, err))
	}

	if !v.cfg.AllowedMeasurements.Contains(quote.Measurement) {
		return nil, reject(fmt.Errorf("%w: %s", ErrMeasurementNotAllowed, quote.Measurement))
	}

	if len(v.cfg.Platform) > 0 && !bytes.Equal(quote.Platform, v.cfg.Platform) {
		return nil, reject(fmt.Errorf("%w: %x", ErrPlatformMismatch, quote.Platform))
	}

	return &interfaces.AttestedIdentity{
		Measurement: quote.Measurement,
		PublicKey:   quote.PublicKey(),
		Timestamp:   quote.Timestamp,
	}, nil
}

func reject(err error) error {
	return interfaces.Reject(interfaces.EvidenceInvalid, err)
}
