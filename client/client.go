package client

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/wire"
)

var (
	// ErrProviderUnverified is returned when the provider's response quote fails verification.
	ErrProviderUnverified = errors.New("provider attestation failed verification")
	// ErrBindingMismatch is returned when the response is bound to another identity.
	ErrBindingMismatch = errors.New("sealed key bound to a different identity")
)

// ProviderVerifier checks the provider's quote on a response.
type ProviderVerifier interface {
	Verify(ctx context.Context, quote *interfaces.Quote, expectedReportData [interfaces.ReportDataSize]byte) (*interfaces.AttestedIdentity, error)
}

type Config struct {
	// MaxAttempts bounds attempts on retryable rejections. Each attempt uses a
	// fresh nonce, key and quote.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	cfg       Config
	quotes    interfaces.QuoteProvider
	transport RoundTripper
	verifier  ProviderVerifier
	log       *slog.Logger
}

// NewClient creates a client attesting itself with quotes and reaching the
// provider through rt. A nil verifier skips provider quote verification.
func NewClient(cfg Config, quotes interfaces.QuoteProvider, rt RoundTripper, verifier ProviderVerifier, log *slog.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Client{
		cfg:       cfg,
		quotes:    quotes,
		transport: rt,
		verifier:  verifier,
		log:       log,
	}
}

// RequestKey obtains and opens the key for label. The caller must Erase it.
// Rejections are returned as *interfaces.Rejection.
func (c *Client) RequestKey(ctx context.Context, label string) (interfaces.KeyMaterial, error) {
	if err := interfaces.ValidateLabel(label); err != nil {
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (interfaces.KeyMaterial, error) {
		attempt++
		key, err := c.requestOnce(ctx, label)
		if err == nil {
			return key, nil
		}

		code, ok := interfaces.RejectCodeOf(err)
		if ok && code.Retryable() {
			c.log.Debug("Retryable rejection", "attempt", attempt, "code", code.String())
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, b)
}

func (c *Client) requestOnce(ctx context.Context, label string) (interfaces.KeyMaterial, error) {
	pub, priv, err := cryptoutils.NewX25519Keypair()
	if err != nil {
		return nil, err
	}
	defer clear(priv[:])

	var nonce interfaces.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	quote, err := c.quotes.RequestQuote(ctx, interfaces.RequestReportData(nonce, label, pub))
	if err != nil {
		return nil, fmt.Errorf("obtaining own quote: %w", err)
	}

	req := &interfaces.KeyRequest{Nonce: nonce, Label: label, Quote: quote}
	payload, err := wire.EncodeKeyRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.RoundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}

	sk, err := wire.DecodeResponse(resp)
	if err != nil {
		return nil, err
	}

	self := interfaces.AttestedIdentity{Measurement: quote.Measurement, PublicKey: pub}
	tag := self.BindingTag()
	if subtle.ConstantTimeCompare(tag[:], sk.BindingTag[:]) != 1 {
		return nil, ErrBindingMismatch
	}

	if c.verifier != nil {
		if sk.ProviderQuote == nil {
			return nil, fmt.Errorf("%w: response carries no provider quote", ErrProviderUnverified)
		}
		expected := interfaces.ResponseReportData(nonce, label, sk.BindingTag, sk.DerivationVersion)
		if _, err := c.verifier.Verify(ctx, sk.ProviderQuote, expected); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnverified, err)
		}
	}

	key, err := cryptoutils.OpenSealed(priv, &cryptoutils.SealContext{
		Recipient:         self,
		Nonce:             nonce,
		Label:             label,
		DerivationVersion: sk.DerivationVersion,
	}, sk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("opening sealed key: %w", err)
	}
	return key, nil
}
