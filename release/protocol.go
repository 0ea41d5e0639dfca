package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/metrics"
)

// Deriver derives sealing keys for the provider identity.
type Deriver interface {
	DeriveFor(identity interfaces.SealingIdentity, label string, requester *interfaces.Measurement) (interfaces.KeyMaterial, error)
}

// EvidenceVerifier verifies requester quotes.
type EvidenceVerifier interface {
	Verify(ctx context.Context, quote *interfaces.Quote, expectedReportData [interfaces.ReportDataSize]byte) (*interfaces.AttestedIdentity, error)
}

// EvidenceGenerator produces the provider's own quotes.
type EvidenceGenerator interface {
	Generate(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error)
}

// Config is the release policy. It is read-only once the protocol is created.
type Config struct {
	Identity          interfaces.SealingIdentity
	DerivationVersion uint32
	// RequestTimeout bounds a whole release.
	RequestTimeout time.Duration
	// ReplayWindow is how long a nonce is remembered. It must cover the quote
	// validity window including the tolerated clock skew.
	ReplayWindow time.Duration
	// BindRequesterMeasurement binds the requester's measurement into derivation.
	BindRequesterMeasurement bool
}

// Protocol runs one independent state machine per request. Requests share only
// the read-only configuration and the nonce store.
type Protocol struct {
	cfg       Config
	verifier  EvidenceVerifier
	generator EvidenceGenerator
	deriver   Deriver
	nonces    interfaces.NonceStore
	audit     interfaces.AuditSink
	metrics   *metrics.Metrics
	log       *slog.Logger
	fatal     chan error

	// OnTransition, when set, observes every state change.
	OnTransition func(requestID string, from, to State)
	Now          func() time.Time
}

// Deps are the collaborators of a Protocol. Audit and Metrics are optional.
type Deps struct {
	Verifier  EvidenceVerifier
	Generator EvidenceGenerator
	Deriver   Deriver
	Nonces    interfaces.NonceStore
	Audit     interfaces.AuditSink
	Metrics   *metrics.Metrics
}

func NewProtocol(cfg Config, deps Deps, log *slog.Logger) *Protocol {
	return &Protocol{
		cfg:       cfg,
		verifier:  deps.Verifier,
		generator: deps.Generator,
		deriver:   deps.Deriver,
		nonces:    deps.Nonces,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		log:       log,
		fatal:     make(chan error, 1),
		Now:       time.Now,
	}
}

// Identity returns the provider's sealing identity.
func (p *Protocol) Identity() interfaces.SealingIdentity {
	return p.cfg.Identity
}

// Fatal delivers the first process-fatal error. The provider must stop serving
// when it fires.
func (p *Protocol) Fatal() <-chan error {
	return p.fatal
}

// Release runs the protocol for one request. On success the caller owns the
// returned SealedKey. On failure the error is a *interfaces.Rejection whose code
// is the only thing that may be shown to the client.
func (p *Protocol) Release(ctx context.Context, req *interfaces.KeyRequest) (*interfaces.SealedKey, error) {
	start := time.Now()
	requestID := uuid.NewString()
	log := p.log.With(slog.String("request_id", requestID))

	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}

	r := &run{p: p, id: requestID, log: log, state: StateAwaitingRequest}
	sk, err := r.execute(ctx, awaitingRequest{req: req})
	if err != nil {
		rej := r.reject(ctx, err)
		p.metrics.ObserveRelease(rej.Code.String(), time.Since(start))
		p.record(ctx, requestID, req, nil, rej.Code.String())
		return nil, rej
	}

	p.metrics.ObserveRelease(string(StateComplete), time.Since(start))
	p.record(ctx, requestID, req, sk, string(StateComplete))
	log.Info("Key released",
		slog.String("label", req.Label),
		slog.String("binding_tag", fmt.Sprintf("%x", sk.BindingTag)),
		slog.Duration("duration", time.Since(start)))
	return sk, nil
}

// run is the per-request bookkeeping around the typed states.
type run struct {
	p     *Protocol
	id    string
	log   *slog.Logger
	state State
}

func (r *run) enter(to State) {
	from := r.state
	r.state = to
	r.log.Debug("State transition", slog.String("from", string(from)), slog.String("to", string(to)))
	if r.p.OnTransition != nil {
		r.p.OnTransition(r.id, from, to)
	}
}

func (r *run) execute(ctx context.Context, a awaitingRequest) (*interfaces.SealedKey, error) {
	e, err := r.p.receive(a)
	if err != nil {
		return nil, err
	}
	r.enter(StateEvidenceReceived)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := r.p.verify(ctx, r.log, e)
	if err != nil {
		return nil, err
	}
	r.enter(StateVerified)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := r.p.derive(ctx, v)
	if err != nil {
		return nil, err
	}
	r.enter(StateKeyDerived)

	s, err := r.p.seal(k)
	if err != nil {
		return nil, err
	}
	r.enter(StateSealed)

	sk := r.p.complete(s)
	r.enter(StateComplete)
	return sk, nil
}

// reject converts err into the terminal rejection, logs it operator-side and
// reports process-fatal conditions.
func (r *run) reject(ctx context.Context, err error) *interfaces.Rejection {
	var rej *interfaces.Rejection
	switch {
	case errors.As(err, &rej):
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		rej = interfaces.Reject(interfaces.Timeout, err)
	default:
		rej = interfaces.Reject(interfaces.MalformedRequest, err)
	}

	failedIn := r.state
	r.enter(StateRejected)

	attrs := []any{slog.String("code", rej.Code.String()), slog.String("state", string(failedIn)), "err", rej.Err}
	switch rej.Code {
	case interfaces.ReplayDetected:
		r.log.Warn("Replayed nonce rejected", append(attrs, slog.String("security_event", "replay"))...)
	case interfaces.DerivationUnavailable:
		r.log.Error("Key derivation unavailable", attrs...)
		select {
		case r.p.fatal <- rej:
		default:
		}
	default:
		r.log.Info("Key request rejected", attrs...)
	}
	return rej
}

// receive: AwaitingRequest -> EvidenceReceived.
func (p *Protocol) receive(a awaitingRequest) (evidenceReceived, error) {
	if a.req == nil {
		return evidenceReceived{}, interfaces.Reject(interfaces.MalformedRequest, errors.New("empty request"))
	}
	if err := a.req.Validate(); err != nil {
		return evidenceReceived{}, interfaces.Reject(interfaces.MalformedRequest, err)
	}

	return evidenceReceived{
		req:                a.req,
		expectedReportData: interfaces.RequestReportData(a.req.Nonce, a.req.Label, a.req.Quote.PublicKey()),
	}, nil
}

// verify: EvidenceReceived -> Verified. The nonce is remembered only once the
// evidence is valid, so forged requests cannot burn nonces or fill the store.
func (p *Protocol) verify(ctx context.Context, log *slog.Logger, e evidenceReceived) (verified, error) {
	identity, err := p.verifier.Verify(ctx, e.req.Quote, e.expectedReportData)
	if err != nil {
		var rej *interfaces.Rejection
		if errors.As(err, &rej) {
			return verified{}, err
		}
		return verified{}, interfaces.Reject(interfaces.EvidenceInvalid, err)
	}

	if err := p.nonces.Remember(ctx, e.req.Nonce, p.Now(), p.cfg.ReplayWindow); err != nil {
		if errors.Is(err, interfaces.ErrNonceReplayed) {
			p.metrics.ReplayRejected()
			return verified{}, interfaces.Reject(interfaces.ReplayDetected, fmt.Errorf("nonce %s: %w", e.req.Nonce, err))
		}
		return verified{}, interfaces.Reject(interfaces.Overloaded, err)
	}

	log.Debug("Requester evidence verified",
		slog.String("measurement", identity.Measurement.String()),
		slog.String("nonce", e.req.Nonce.String()))
	return verified{req: e.req, identity: identity}, nil
}

// derive: Verified -> KeyDerived. The provider's evidence is produced before the
// key, so a request that cannot be attested never touches the hardware root.
func (p *Protocol) derive(ctx context.Context, v verified) (keyDerived, error) {
	bindingTag := v.identity.BindingTag()
	reportData := interfaces.ResponseReportData(v.req.Nonce, v.req.Label, bindingTag, p.cfg.DerivationVersion)

	providerQuote, err := p.generator.Generate(ctx, reportData)
	if err != nil {
		return keyDerived{}, err
	}
	if err := ctx.Err(); err != nil {
		return keyDerived{}, err
	}

	var requester *interfaces.Measurement
	if p.cfg.BindRequesterMeasurement {
		requester = &v.identity.Measurement
	}

	key, err := p.deriver.DeriveFor(p.cfg.Identity, v.req.Label, requester)
	if err != nil {
		if !errors.Is(err, interfaces.ErrDerivationUnavailable) {
			err = fmt.Errorf("%w: %w", interfaces.ErrDerivationUnavailable, err)
		}
		return keyDerived{}, interfaces.Reject(interfaces.DerivationUnavailable, err)
	}

	return keyDerived{req: v.req, identity: v.identity, key: key, providerQuote: providerQuote}, nil
}

// seal: KeyDerived -> Sealed. The plaintext key is erased before returning.
func (p *Protocol) seal(k keyDerived) (sealed, error) {
	defer k.key.Erase()

	ciphertext, err := cryptoutils.SealToIdentity(&cryptoutils.SealContext{
		Recipient:         *k.identity,
		Nonce:             k.req.Nonce,
		Label:             k.req.Label,
		DerivationVersion: p.cfg.DerivationVersion,
	}, k.key)
	if err != nil {
		// Only an unusable attested public key makes sealing fail.
		return sealed{}, interfaces.Reject(interfaces.MalformedRequest, fmt.Errorf("sealing: %w", err))
	}

	return sealed{
		req: k.req,
		sealedKey: &interfaces.SealedKey{
			Ciphertext:        ciphertext,
			BindingTag:        k.identity.BindingTag(),
			DerivationVersion: p.cfg.DerivationVersion,
			ProviderQuote:     k.providerQuote,
		},
	}, nil
}

// complete: Sealed -> Complete.
func (p *Protocol) complete(s sealed) *interfaces.SealedKey {
	return s.sealedKey
}

func (p *Protocol) record(ctx context.Context, requestID string, req *interfaces.KeyRequest, sk *interfaces.SealedKey, outcome string) {
	if p.audit == nil {
		return
	}

	event := interfaces.AuditEvent{
		Time:      p.Now().UTC(),
		RequestID: requestID,
		Outcome:   outcome,
	}
	if req != nil {
		event.Label = req.Label
		event.Nonce = req.Nonce.String()
		if req.Quote != nil {
			event.Measurement = req.Quote.Measurement.String()
		}
	}
	if sk != nil {
		event.BindingTag = fmt.Sprintf("%x", sk.BindingTag)
		event.DerivationVersion = sk.DerivationVersion
	}

	// The audit trail must not depend on the request's deadline.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.audit.Record(auditCtx, event); err != nil {
		p.log.Error("Failed to write audit record",
			slog.String("request_id", requestID),
			slog.String("sink", p.audit.Name()),
			"err", err)
	}
}
