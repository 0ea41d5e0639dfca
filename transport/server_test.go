package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/cryptoutils"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type mockReleaser struct {
	mock.Mock
}

func (m *mockReleaser) Release(ctx context.Context, req *interfaces.KeyRequest) (*interfaces.SealedKey, error) {
	args := m.Called(ctx, req)
	sk, _ := args.Get(0).(*interfaces.SealedKey)
	return sk, args.Error(1)
}

func testRequest(label string) *interfaces.KeyRequest {
	return &interfaces.KeyRequest{
		Nonce: interfaces.Nonce{0x01},
		Label: label,
		Quote: &interfaces.Quote{
			Type:      interfaces.SoftwareAttestation,
			Signature: []byte{0x01},
			Timestamp: time.Now(),
		},
	}
}

func startServer(t *testing.T, releaser Releaser, workers int64) (string, *Server) {
	t.Helper()
	ln, err := Listen(NetworkTCP, "127.0.0.1:0", nil)
	require.NoError(t, err)

	srv := NewServer(Config{Workers: workers, IdleTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}, releaser, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	})
	return ln.Addr().String(), srv
}

func roundTrip(t *testing.T, conn net.Conn, payload []byte) []byte {
	t.Helper()
	require.NoError(t, wire.WriteFrame(conn, payload))
	response, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	return response
}

func TestServer_Release(t *testing.T) {
	releaser := new(mockReleaser)
	sk := &interfaces.SealedKey{Ciphertext: []byte("sealed"), BindingTag: [32]byte{0x02}, DerivationVersion: 1}
	releaser.On("Release", mock.Anything, mock.MatchedBy(func(r *interfaces.KeyRequest) bool { return r.Label == "disk" })).Return(sk, nil)
	releaser.On("Release", mock.Anything, mock.MatchedBy(func(r *interfaces.KeyRequest) bool { return r.Label == "denied" })).
		Return(nil, interfaces.Reject(interfaces.EvidenceInvalid, assert.AnError))

	addr, _ := startServer(t, releaser, 1)
	conn, err := Dial(context.Background(), NetworkTCP, addr, nil)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := wire.EncodeKeyRequest(testRequest("disk"))
	require.NoError(t, err)
	got, err := wire.DecodeResponse(roundTrip(t, conn, payload))
	require.NoError(t, err)
	assert.Equal(t, sk, got)

	// Rejections carry only the code.
	payload, err = wire.EncodeKeyRequest(testRequest("denied"))
	require.NoError(t, err)
	_, err = wire.DecodeResponse(roundTrip(t, conn, payload))
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.EvidenceInvalid, code)
	assert.NotContains(t, err.Error(), assert.AnError.Error())

	// A malformed frame is answered and the connection stays usable.
	_, err = wire.DecodeResponse(roundTrip(t, conn, []byte("garbage")))
	code, ok = interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.MalformedRequest, code)

	payload, err = wire.EncodeKeyRequest(testRequest("disk"))
	require.NoError(t, err)
	_, err = wire.DecodeResponse(roundTrip(t, conn, payload))
	require.NoError(t, err)
}

type blockingReleaser struct {
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (b *blockingReleaser) Release(ctx context.Context, req *interfaces.KeyRequest) (*interfaces.SealedKey, error) {
	n := b.active.Inc()
	defer b.active.Dec()
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &interfaces.SealedKey{Ciphertext: []byte{0x01}, DerivationVersion: 1}, nil
}

func TestServer_WorkerLimit(t *testing.T) {
	releaser := &blockingReleaser{}
	addr, _ := startServer(t, releaser, 1)

	payload, err := wire.EncodeKeyRequest(testRequest("disk"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := Dial(context.Background(), NetworkTCP, addr, nil)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			assert.NoError(t, wire.WriteFrame(conn, payload))
			_, err = wire.ReadFrame(conn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), releaser.maxSeen.Load(), "one worker serializes protocol executions")
}

func TestServer_SharedPool(t *testing.T) {
	ln, err := Listen(NetworkTCP, "127.0.0.1:0", nil)
	require.NoError(t, err)

	pool := release.NewWorkerPool(1, 20*time.Millisecond)
	releaser := &blockingReleaser{}
	srv := NewServer(Config{Pool: pool, Workers: 8}, releaser, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	// The HTTP transport holds the only worker.
	done, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	conn, err := Dial(context.Background(), NetworkTCP, ln.Addr().String(), nil)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := wire.EncodeKeyRequest(testRequest("disk"))
	require.NoError(t, err)
	_, err = wire.DecodeResponse(roundTrip(t, conn, payload))
	code, ok := interfaces.RejectCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, interfaces.Timeout, code)
	assert.Zero(t, releaser.maxSeen.Load())

	done()
	_, err = wire.DecodeResponse(roundTrip(t, conn, payload))
	require.NoError(t, err)
}

func TestServer_TLS(t *testing.T) {
	serverTLS, err := cryptoutils.ServerTLSConfig("", "")
	require.NoError(t, err)
	ln, err := Listen(NetworkTCP, "127.0.0.1:0", serverTLS)
	require.NoError(t, err)

	releaser := new(mockReleaser)
	releaser.On("Release", mock.Anything, mock.Anything).
		Return(&interfaces.SealedKey{Ciphertext: []byte{0x01}, DerivationVersion: 1}, nil)

	srv := NewServer(Config{Workers: 1}, releaser, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	clientTLS, err := cryptoutils.ClientTLSConfig("")
	require.NoError(t, err)
	conn, err := Dial(context.Background(), NetworkTCP, ln.Addr().String(), clientTLS)
	require.NoError(t, err)
	defer conn.Close()

	payload, err := wire.EncodeKeyRequest(testRequest("disk"))
	require.NoError(t, err)
	_, err = wire.DecodeResponse(roundTrip(t, conn, payload))
	require.NoError(t, err)
}

func TestServer_Shutdown(t *testing.T) {
	releaser := new(mockReleaser)
	addr, srv := startServer(t, releaser, 1)

	conn, err := Dial(context.Background(), NetworkTCP, addr, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	// The idle connection was closed by the server.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = wire.ReadFrame(conn)
	require.Error(t, err)
}

func TestParseVsockAddress(t *testing.T) {
	cid, port, err := parseVsockAddress("3:5000")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cid)
	assert.Equal(t, uint32(5000), port)

	for _, bad := range []string{"3", "x:5000", "3:y", ""} {
		_, _, err := parseVsockAddress(bad)
		assert.Error(t, err, bad)
	}

	_, err = Listen("udp", "127.0.0.1:0", nil)
	assert.Error(t, err)
}
