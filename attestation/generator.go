package attestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/metrics"
)

// GeneratorConfig bounds quote generation.
type GeneratorConfig struct {
	// MaxAttempts is the total number of quote requests before giving up.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds a single Generate call including all retries.
	Timeout time.Duration
}

// DefaultGeneratorConfig returns the retry ceiling used when nothing is configured.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Generator produces the provider's own quotes through the attestation subsystem,
// retrying transient failures with bounded exponential backoff.
type Generator struct {
	provider interfaces.QuoteProvider
	cfg      GeneratorConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewGenerator(provider interfaces.QuoteProvider, cfg GeneratorConfig, log *slog.Logger, m *metrics.Metrics) *Generator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Generator{provider: provider, cfg: cfg, log: log, metrics: m}
}

// AttestationType reports the type of quotes this generator produces.
func (g *Generator) AttestationType() interfaces.AttestationType {
	return g.provider.AttestationType()
}

// Generate requests a quote binding reportData. It makes at most MaxAttempts
// requests. Returns a *interfaces.Rejection with code Timeout when the deadline
// expires first, and QuoteGenerationFailed when the attempts are exhausted.
func (g *Generator) Generate(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialBackoff
	eb.MaxInterval = g.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	var quote *interfaces.Quote
	op := func() error {
		attempts++
		q, err := g.provider.RequestQuote(ctx, reportData)
		if err != nil {
			g.metrics.QuoteAttempt("failure")
			return err
		}
		if q == nil {
			g.metrics.QuoteAttempt("failure")
			return errors.New("attestation subsystem returned no quote")
		}
		if q.ReportData != reportData {
			g.metrics.QuoteAttempt("failure")
			return backoff.Permanent(errors.New("attestation subsystem returned a quote for different report data"))
		}
		g.metrics.QuoteAttempt("success")
		quote = q
		return nil
	}

	notify := func(err error, next time.Duration) {
		g.log.Warn("Quote generation failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", next),
			"err", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return quote, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, interfaces.Reject(interfaces.Timeout,
			fmt.Errorf("quote generation after %d attempts: %w", attempts, ctxErr))
	}
	return nil, interfaces.Reject(interfaces.QuoteGenerationFailed,
		fmt.Errorf("%w after %d attempts: %w", interfaces.ErrQuoteGenerationFailed, attempts, err))
}
