package release

import (
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// State names a step of the release state machine.
type State string

const (
	StateAwaitingRequest  State = "awaiting_request"
	StateEvidenceReceived State = "evidence_received"
	StateVerified         State = "verified"
	StateKeyDerived       State = "key_derived"
	StateSealed           State = "sealed"
	StateComplete         State = "complete"
	StateRejected         State = "rejected"
)

// Each state is its own type carrying only the data valid in that state. A
// transition accepts exactly one state type and returns the next, so the steps
// can only be chained in protocol order.

type awaitingRequest struct {
	req *interfaces.KeyRequest
}

type evidenceReceived struct {
	req                *interfaces.KeyRequest
	expectedReportData [interfaces.ReportDataSize]byte
}

type verified struct {
	req      *interfaces.KeyRequest
	identity *interfaces.AttestedIdentity
}

type keyDerived struct {
	req           *interfaces.KeyRequest
	identity      *interfaces.AttestedIdentity
	key           interfaces.KeyMaterial
	providerQuote *interfaces.Quote
}

type sealed struct {
	req       *interfaces.KeyRequest
	sealedKey *interfaces.SealedKey
}
