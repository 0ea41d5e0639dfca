package client

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/attestation"
	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/httpserver"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/kms"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/replay"
	"github.com/ruteri/tee-sealing-key-provider/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	providerMeasurement  = interfaces.Measurement{0xaa}
	requesterMeasurement = interfaces.Measurement{0xbb}
	providerIdentity     = interfaces.SealingIdentity{Measurement: providerMeasurement, PolicyVersion: 1, ProductID: 9}
)

type stack struct {
	authority *cryptoutils.SoftwareAuthority
	engine    *kms.Engine
	protocol  *release.Protocol
	generator *attestation.Generator
}

func newStack(t *testing.T) *stack {
	t.Helper()
	authority, err := cryptoutils.NewSoftwareAuthority(bytes.Repeat([]byte{0x21}, 32))
	require.NoError(t, err)
	root, err := kms.NewStaticRoot(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)

	engine := kms.NewEngine(root)
	generator := attestation.NewGenerator(authority.Provider(providerMeasurement), attestation.DefaultGeneratorConfig(), slog.Default(), nil)
	verifier := attestation.NewVerifier(attestation.VerifierConfig{
		AllowedMeasurements: interfaces.MeasurementSet{requesterMeasurement: {}},
		MaxStaleness:        time.Minute,
		MaxClockSkew:        5 * time.Second,
	}, &cryptoutils.SoftwareVerifier{Root: authority.PublicKey()})

	protocol := release.NewProtocol(release.Config{
		Identity:          providerIdentity,
		DerivationVersion: 1,
		RequestTimeout:    5 * time.Second,
		ReplayWindow:      time.Minute + 5*time.Second,
	}, release.Deps{
		Verifier:  verifier,
		Generator: generator,
		Deriver:   engine,
		Nonces:    replay.NewMemoryStore(64),
	}, slog.Default())

	return &stack{authority: authority, engine: engine, protocol: protocol, generator: generator}
}

func (s *stack) providerVerifier(allowed interfaces.Measurement) *attestation.Verifier {
	return attestation.NewVerifier(attestation.VerifierConfig{
		AllowedMeasurements: interfaces.MeasurementSet{allowed: {}},
		MaxStaleness:        time.Minute,
		MaxClockSkew:        5 * time.Second,
	}, &cryptoutils.SoftwareVerifier{Root: s.authority.PublicKey()})
}

func (s *stack) serveStream(t *testing.T) string {
	t.Helper()
	ln, err := transport.Listen(transport.NetworkTCP, "127.0.0.1:0", nil)
	require.NoError(t, err)

	srv := transport.NewServer(transport.Config{Workers: 2, IdleTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}, s.protocol, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})
	return ln.Addr().String()
}

func fastRetries(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRequestKey_Stream(t *testing.T) {
	s := newStack(t)
	addr := s.serveStream(t)

	c := NewClient(fastRetries(1), s.authority.Provider(requesterMeasurement),
		&StreamTransport{Network: transport.NetworkTCP, Address: addr},
		s.providerVerifier(providerMeasurement), slog.Default())

	key, err := c.RequestKey(context.Background(), "disk-encryption")
	require.NoError(t, err)
	defer key.Erase()

	expected, err := s.engine.Derive(providerIdentity, "disk-encryption")
	require.NoError(t, err)
	assert.Equal(t, []byte(expected), []byte(key))

	// A second request uses a fresh nonce and yields the same key.
	again, err := c.RequestKey(context.Background(), "disk-encryption")
	require.NoError(t, err)
	assert.Equal(t, []byte(key), []byte(again))
}

func TestRequestKey_HTTP(t *testing.T) {
	s := newStack(t)
	handler := httpserver.NewHandler(s.protocol, s.generator, nil, slog.Default())
	srv := httpserver.New(&httpserver.HTTPServerConfig{Log: slog.Default(), GracefulShutdownDuration: time.Second}, handler, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(fastRetries(1), s.authority.Provider(requesterMeasurement),
		&HTTPTransport{BaseURL: ts.URL}, s.providerVerifier(providerMeasurement), slog.Default())

	key, err := c.RequestKey(context.Background(), "backup")
	require.NoError(t, err)

	expected, err := s.engine.Derive(providerIdentity, "backup")
	require.NoError(t, err)
	assert.Equal(t, []byte(expected), []byte(key))
}

func TestRequestKey_RejectedAfterRetries(t *testing.T) {
	s := newStack(t)
	rt := &countingTransport{next: &StreamTransport{Network: transport.NetworkTCP, Address: s.serveStream(t)}}

	// Not on the provider's allowlist.
	c := NewClient(fastRetries(3), s.authority.Provider(interfaces.Measurement{0xcc}), rt, nil, slog.Default())

	_, err := c.RequestKey(context.Background(), "disk")
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, interfaces.EvidenceInvalid, code)
	assert.Equal(t, 3, rt.calls)
}

func TestRequestKey_ProviderUnverified(t *testing.T) {
	s := newStack(t)
	rt := &countingTransport{next: &StreamTransport{Network: transport.NetworkTCP, Address: s.serveStream(t)}}

	c := NewClient(fastRetries(3), s.authority.Provider(requesterMeasurement), rt,
		s.providerVerifier(interfaces.Measurement{0xdd}), slog.Default())

	_, err := c.RequestKey(context.Background(), "disk")
	require.ErrorIs(t, err, ErrProviderUnverified)
	_, isRejection := interfaces.RejectCodeOf(err)
	assert.False(t, isRejection)
	assert.Equal(t, 1, rt.calls, "provider verification failures are not retried")
}

func TestRequestKey_InvalidLabel(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil, slog.Default())
	_, err := c.RequestKey(context.Background(), "")
	assert.Error(t, err)
}

func TestHTTPTransport_NonProtocolError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := (&HTTPTransport{BaseURL: ts.URL}).RoundTrip(context.Background(), []byte{0x01})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestStreamTransport_Unreachable(t *testing.T) {
	_, err := (&StreamTransport{Network: transport.NetworkTCP, Address: "127.0.0.1:1"}).RoundTrip(context.Background(), []byte{0x01})
	assert.Error(t, err)
}

type countingTransport struct {
	next  RoundTripper
	calls int
}

func (c *countingTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	c.calls++
	return c.next.RoundTrip(ctx, request)
}
