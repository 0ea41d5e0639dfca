// Package main (cmd/admin) implements the administrator tooling for the provider's
// Shamir-split hardware root and for development attestation authorities.
//
// Commands:
//
//	status              - Query the unlock status of a provider's Shamir root
//	generate-admin      - Generate an Ed25519 administrator key
//	split-root          - Generate a root secret and split it into share files
//	sign-share          - Sign a share file with an administrator key
//	submit-share        - Submit a signed share to a provider
//	generate-authority  - Generate a software attestation authority seed
//
// Example workflow for a 2-of-3 root:
//
//  1. Each administrator generates a key:
//     admin generate-admin --admin-key-file=admin1.key
//
//  2. The public keys go to root.shamir.admin_keys in the provider configuration.
//
//  3. A root secret is generated and split, offline:
//     admin split-root --shares=3 --threshold=2 --output-dir=shares/
//
//  4. Each administrator signs their share:
//     admin sign-share --share-file=shares/share-1.json --admin-key-file=admin1.key
//
//  5. After the provider starts, two administrators submit their shares:
//     admin submit-share --provider-addr=http://127.0.0.1:8080 --share-file=shares/share-1.json
package main
