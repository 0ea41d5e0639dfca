// Package cryptoutils provides the cryptographic building blocks of the sealing key
// provider: sealing key material to an attested identity, and the attestation
// backends that produce and check quotes.
//
// # Sealing
//
// SealToIdentity encrypts to the X25519 public key a requester bound into its
// verified quote. Each call uses a fresh ephemeral key:
//
//   - X25519 between the ephemeral key and the recipient key
//   - HKDF-SHA256 over the shared secret with the recipient measurement, public key,
//     request nonce and key label as info
//   - XChaCha20-Poly1305 with the binding tag and derivation version as associated data
//
// The sealed format is:
//
//	[version (1 byte)][ephemeral public key (32 bytes)][nonce (24 bytes)][ciphertext]
//
// A blob released for one measurement and nonce does not open under any other
// seal context, even for a party holding the same private key.
//
// # Attestation backends
//
// Quote providers:
//
//   - SoftwareAuthority / SoftwareQuoteProvider: Ed25519-signed quotes for development
//     and tests
//   - DCAPQuoteProvider: TDX quotes from the local guest (configfs-tsm or /dev/tdx_guest)
//   - RemoteQuoteProvider: TDX quotes from an HTTP attestation service
//
// Quote verifiers:
//
//   - SoftwareVerifier: checks the Ed25519 signature against a configured root key
//   - DCAPVerifier: verifies the quote with go-tdx-guest and checks that the envelope
//     matches the signed quote body
//
// For TDX quotes the measurement is SHA-256(MRTD || RTMR0 || RTMR1 || RTMR2 || RTMR3).
// The DCAP quote body carries no timestamp; freshness of DCAP evidence comes from the
// request nonce bound into its report data.
package cryptoutils
