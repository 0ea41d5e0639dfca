/*
Package httpserver serves the key release protocol over HTTP.

# Endpoints

  - POST /api/attested/release: CBOR-encoded KeyRequest envelope in, SealedKey or
    Error envelope out. Rejections carry only the reject code.
  - GET /api/public/identity: the provider's sealing identity as JSON.
  - GET /api/public/attestation/{nonce}: a provider quote over the identity and a
    verifier-chosen 16-byte hex nonce.
  - /livez, /readyz, /drain, /undrain: health and load balancer draining.
  - /debug/pprof: optional profiling.

# Admin API

When the hardware root is a Shamir root, the admin API is mounted under /admin:

  - GET /admin/status: shares submitted, threshold, whether the root is unlocked.
  - POST /admin/share: a signed share file, see kms.ShareFile.

Shares are accepted only when signed by a configured administrator key.
*/
package httpserver
