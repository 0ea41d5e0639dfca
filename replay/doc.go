// Package replay remembers request nonces for the lifetime of a quote so that a
// nonce can be used at most once within its validity window.
//
// MemoryStore is a fixed-capacity arena shared by all workers of one process.
// RedisStore shares the window between provider replicas.
package replay
