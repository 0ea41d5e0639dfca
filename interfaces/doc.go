// Package interfaces defines the core interfaces and types for the sealing key
// provider, separating interface definitions from implementations.
//
// # Data Model
//
//   - Measurement: 32-byte hash identifying the code loaded into an enclave
//   - SealingIdentity: the provider's own immutable identity used for derivations
//   - KeyRequest: a requester's nonce, key label and attestation quote
//   - Quote: attestation evidence binding a measurement to 64 bytes of report data
//   - AttestedIdentity: the identity recovered from a verified quote
//   - SealedKey: key material encrypted to an attested identity
//
// # Interfaces
//
// HardwareRoot: exposes only key derivation over the hardware-rooted secret.
//
// QuoteProvider / QuoteVerifier: the attestation subsystem, producing and checking quotes.
//
// NonceStore: replay protection over request nonces.
//
// AuditSink: records the outcome of every release attempt.
//
// # Rejections
//
// Every client-visible failure is a *Rejection carrying a RejectCode. Codes are the
// only information that crosses the transport; causes stay in operator logs.
package interfaces
