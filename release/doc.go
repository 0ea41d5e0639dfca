// Package release implements the attested key release protocol.
//
// Each request runs its own state machine:
//
//	AwaitingRequest -> EvidenceReceived -> Verified -> KeyDerived -> Sealed -> Complete
//
// with Rejected reachable from every state before Complete. Each state is a
// distinct type and each transition takes exactly one of them, so an out of order
// transition does not compile.
//
// Nothing leaves the provider before Sealed. A request abandoned earlier only
// drops in-memory state. The one shared side effect is the nonce store, which is
// updated after the requester's evidence has been verified.
//
// Rejections carry a client-visible code only. The detailed reason is logged.
// DerivationUnavailable is process-fatal and is delivered on Fatal.
package release
