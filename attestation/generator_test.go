package attestation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockQuoteProvider struct {
	mock.Mock
}

func (m *mockQuoteProvider) AttestationType() interfaces.AttestationType {
	return interfaces.SoftwareAttestation
}

func (m *mockQuoteProvider) RequestQuote(ctx context.Context, reportData [interfaces.ReportDataSize]byte) (*interfaces.Quote, error) {
	args := m.Called(ctx, reportData)
	q, _ := args.Get(0).(*interfaces.Quote)
	return q, args.Error(1)
}

func fastGeneratorConfig(attempts int) GeneratorConfig {
	return GeneratorConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func TestGenerator_Success(t *testing.T) {
	reportData := [64]byte{0x01}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).
		Return(&interfaces.Quote{ReportData: reportData}, nil).Once()

	g := NewGenerator(provider, fastGeneratorConfig(3), slog.Default(), nil)
	q, err := g.Generate(context.Background(), reportData)
	require.NoError(t, err)
	assert.Equal(t, reportData, q.ReportData)
	provider.AssertNumberOfCalls(t, "RequestQuote", 1)
}

func TestGenerator_RetriesTransientFailures(t *testing.T) {
	reportData := [64]byte{0x02}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).
		Return(nil, errors.New("device busy")).Twice()
	provider.On("RequestQuote", mock.Anything, reportData).
		Return(&interfaces.Quote{ReportData: reportData}, nil).Once()

	g := NewGenerator(provider, fastGeneratorConfig(3), slog.Default(), nil)
	_, err := g.Generate(context.Background(), reportData)
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "RequestQuote", 3)
}

func TestGenerator_NilQuoteIsFailedAttempt(t *testing.T) {
	reportData := [64]byte{0x06}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).Return(nil, nil).Once()
	provider.On("RequestQuote", mock.Anything, reportData).
		Return(&interfaces.Quote{ReportData: reportData}, nil).Once()

	g := NewGenerator(provider, fastGeneratorConfig(3), slog.Default(), nil)
	q, err := g.Generate(context.Background(), reportData)
	require.NoError(t, err)
	require.NotNil(t, q)
	provider.AssertNumberOfCalls(t, "RequestQuote", 2)

	empty := new(mockQuoteProvider)
	empty.On("RequestQuote", mock.Anything, reportData).Return(nil, nil)
	_, err = NewGenerator(empty, fastGeneratorConfig(2), slog.Default(), nil).Generate(context.Background(), reportData)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.QuoteGenerationFailed, code)
	empty.AssertNumberOfCalls(t, "RequestQuote", 2)
}

// Test Generate - unreachable attestation subsystem for the full retry ceiling
func TestGenerator_ExhaustsExactAttempts(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		reportData := [64]byte{0x03}
		provider := new(mockQuoteProvider)
		provider.On("RequestQuote", mock.Anything, reportData).
			Return(nil, errors.New("attestation service unreachable"))

		g := NewGenerator(provider, fastGeneratorConfig(attempts), slog.Default(), nil)
		_, err := g.Generate(context.Background(), reportData)

		code, ok := interfaces.RejectCodeOf(err)
		require.True(t, ok)
		assert.Equal(t, interfaces.QuoteGenerationFailed, code)
		assert.ErrorIs(t, err, interfaces.ErrQuoteGenerationFailed)
		provider.AssertNumberOfCalls(t, "RequestQuote", attempts)
	}
}

func TestGenerator_Timeout(t *testing.T) {
	reportData := [64]byte{0x04}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	cfg := fastGeneratorConfig(3)
	cfg.Timeout = 20 * time.Millisecond
	g := NewGenerator(provider, cfg, slog.Default(), nil)

	_, err := g.Generate(context.Background(), reportData)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.Timeout, code)
	provider.AssertNumberOfCalls(t, "RequestQuote", 1)
}

func TestGenerator_CallerCancellation(t *testing.T) {
	reportData := [64]byte{0x05}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).Return(nil, errors.New("unreachable"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewGenerator(provider, fastGeneratorConfig(3), slog.Default(), nil)
	_, err := g.Generate(ctx, reportData)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.Timeout, code)
}

func TestGenerator_WrongReportDataIsNotRetried(t *testing.T) {
	reportData := [64]byte{0x06}
	provider := new(mockQuoteProvider)
	provider.On("RequestQuote", mock.Anything, reportData).
		Return(&interfaces.Quote{ReportData: [64]byte{0xff}}, nil)

	g := NewGenerator(provider, fastGeneratorConfig(3), slog.Default(), nil)
	_, err := g.Generate(context.Background(), reportData)
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.QuoteGenerationFailed, code)
	provider.AssertNumberOfCalls(t, "RequestQuote", 1)
}
