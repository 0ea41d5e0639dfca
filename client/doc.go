// Package client requests sealing keys from a provider.
//
// A request binds a fresh X25519 key, a random nonce and the key label into the
// requester's own quote. The provider returns the key sealed to that X25519 key,
// together with a quote of its own over the response context, which the client
// checks before opening the key.
package client
