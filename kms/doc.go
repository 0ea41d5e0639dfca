// Package kms derives sealing keys from a hardware-rooted secret.
//
// The Engine is the only consumer of the root. It derives with HKDF-SHA256, salt
// "skp/sealing/v1" and info
//
//	measurement || BE32(policy_version) || BE32(product_id) || BE32(len(label)) || label
//
// optionally followed by the requester's measurement. Derivation is deterministic:
// after a restart the same root, identity and label yield the same key.
//
// The root is reached only through interfaces.HardwareRoot, whose single capability
// is to derive. Backends:
//
//   - StaticRoot: a secret held in memory, for development
//   - FileRoot: the sealing key the enclave runtime exposes as a file, read per derivation
//   - ShamirRoot: a secret reconstructed from administrator shares (Shamir's Secret Sharing)
//   - NewVaultRoot: a secret fetched once from a HashiCorp Vault KV v2 path
//
// A root that cannot produce key material fails with interfaces.ErrDerivationUnavailable.
// The provider treats this as fatal and stops serving.
package kms
