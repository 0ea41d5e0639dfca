package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-sealing-key-provider/config"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSeed        = "2121212121212121212121212121212121212121212121212121212121212121"
	testMeasurement = "0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c0c"
)

func softwareEnv(t *testing.T) {
	t.Setenv("SKP_ATTESTATION_TYPE", "software")
	t.Setenv("SKP_ATTESTATION_AUTHORITY_SEED", testSeed)
	t.Setenv("SKP_IDENTITY_MEASUREMENT", testMeasurement)
	t.Setenv("SKP_ROOT_BACKEND", "static")
	t.Setenv("SKP_ROOT_STATIC_SECRET", testSeed)
	t.Setenv("SKP_GENERATOR_INITIAL_BACKOFF", "1ms")
	t.Setenv("SKP_GENERATOR_MAX_BACKOFF", "2ms")
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var be *bootstrapError
	require.True(t, errors.As(err, &be), "expected bootstrap error, got %v", err)
	return be.code
}

func TestBootstrap_Software(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_AUDIT_SINKS", "file://"+filepath.Join(t.TempDir(), "audit.jsonl"))

	p, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.NoError(t, err)
	defer p.close()

	assert.Equal(t, testMeasurement, p.protocol.Identity().Measurement.String())
	assert.Nil(t, p.tlsConfig)
	assert.Nil(t, p.httpSrv)
}

func TestBootstrap_HTTPAndTLS(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_HTTP_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv("SKP_SERVER_TLS", "true")

	p, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.NoError(t, err)
	defer p.close()

	assert.NotNil(t, p.httpSrv)
	require.NotNil(t, p.tlsConfig)
	assert.Len(t, p.tlsConfig.Certificates, 1)
}

func TestBootstrap_AttestationUnreachable(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_ATTESTATION_TYPE", "qemu-tdx")
	t.Setenv("SKP_ATTESTATION_REMOTE_ADDRESS", "http://127.0.0.1:1")

	_, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.Error(t, err)
	assert.Equal(t, exitAttestation, exitCode(t, err))
}

func TestBootstrap_RootUnusable(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_ROOT_BACKEND", "file")
	t.Setenv("SKP_ROOT_FILE_PATH", filepath.Join(t.TempDir(), "missing"))

	_, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.Error(t, err)
	assert.Equal(t, exitDerivation, exitCode(t, err))
	assert.ErrorIs(t, err, interfaces.ErrDerivationUnavailable)
}

func TestBootstrap_ShamirLockedWithoutHTTP(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_ROOT_BACKEND", "shamir")
	t.Setenv("SKP_ROOT_SHAMIR_THRESHOLD", "2")
	t.Setenv("SKP_ROOT_SHAMIR_ADMIN_KEYS", testSeed+","+testMeasurement)

	_, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.Error(t, err)
	assert.Equal(t, exitDerivation, exitCode(t, err))
}

func TestQuoteProvider_SoftwareNeedsMeasurement(t *testing.T) {
	softwareEnv(t)
	cfg := loadConfig(t)

	_, err := quoteProvider(cfg, interfaces.Measurement{})
	assert.Error(t, err)

	qp, err := quoteProvider(cfg, interfaces.Measurement{0x01})
	require.NoError(t, err)
	assert.Equal(t, interfaces.SoftwareAttestation, qp.AttestationType())
}

func TestQuoteVerifier_TrustsAuthority(t *testing.T) {
	softwareEnv(t)
	cfg := loadConfig(t)

	authority, err := softwareAuthority(testSeed)
	require.NoError(t, err)

	v, err := quoteVerifier(cfg, nil)
	require.NoError(t, err)

	var rd [interfaces.ReportDataSize]byte
	m, _ := interfaces.NewMeasurementFromHex(testMeasurement)
	q, err := authority.Provider(m).RequestQuote(context.Background(), rd)
	require.NoError(t, err)

	// Not allowlisted, but the signature backend is wired: the failure is the allowlist.
	_, err = v.Verify(context.Background(), q, rd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")
}

const testPlatform = "5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a"

func TestBootstrap_SamePlatform(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_VERIFIER_REQUIRE_SAME_PLATFORM", "true")

	// Software quotes only report a platform when one is configured.
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attestation.platform_id")

	t.Setenv("SKP_ATTESTATION_PLATFORM_ID", testPlatform)
	p, err := bootstrap(context.Background(), loadConfig(t), metrics.NewMetrics("test"), testLogger())
	require.NoError(t, err)
	p.close()
}

func TestQuoteVerifier_SamePlatform(t *testing.T) {
	softwareEnv(t)
	t.Setenv("SKP_VERIFIER_ALLOWED_MEASUREMENTS", testMeasurement)
	t.Setenv("SKP_ATTESTATION_PLATFORM_ID", testPlatform)
	cfg := loadConfig(t)

	local, err := cfg.SoftwarePlatform()
	require.NoError(t, err)
	require.Len(t, local, interfaces.PlatformIDSize)

	v, err := quoteVerifier(cfg, local)
	require.NoError(t, err)

	m, _ := interfaces.NewMeasurementFromHex(testMeasurement)
	qp, err := quoteProvider(cfg, m)
	require.NoError(t, err)

	var rd [interfaces.ReportDataSize]byte
	q, err := qp.RequestQuote(context.Background(), rd)
	require.NoError(t, err)
	assert.Equal(t, local, q.Platform)
	_, err = v.Verify(context.Background(), q, rd)
	require.NoError(t, err)

	authority, err := softwareAuthority(testSeed)
	require.NoError(t, err)
	remote := authority.Provider(m).OnPlatform([]byte("another-machine!"))
	q, err = remote.RequestQuote(context.Background(), rd)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), q, rd)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.EvidenceInvalid, code)
	assert.Contains(t, err.Error(), "different platform")
}
