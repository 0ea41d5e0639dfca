// Package attestation produces the provider's own evidence and verifies evidence
// presented by requesters.
//
// Generator wraps a QuoteProvider with a bounded retry policy. Verifier holds the
// verification policy (measurement allowlist, validity window, clock skew) and one
// signature backend per attestation type.
package attestation
