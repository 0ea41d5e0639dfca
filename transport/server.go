// Package transport serves the key release protocol over length-prefixed frames
// on a reliable byte stream (TCP, optionally TLS, or vsock).
//
// Each request frame yields exactly one response frame. Protocol executions are
// bounded by a release.WorkerPool shared across connections and transports.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"github.com/ruteri/tee-sealing-key-provider/release"
	"github.com/ruteri/tee-sealing-key-provider/wire"
	"go.uber.org/atomic"
)

// Releaser runs the key release protocol for one request.
type Releaser interface {
	Release(ctx context.Context, req *interfaces.KeyRequest) (*interfaces.SealedKey, error)
}

type Config struct {
	// Pool bounds concurrent protocol executions. When nil the server gets a
	// pool of its own with Workers slots.
	Pool         *release.WorkerPool
	Workers      int64
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg      Config
	releaser Releaser
	pool     *release.WorkerPool
	log      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

func NewServer(cfg Config, releaser Releaser, log *slog.Logger) *Server {
	pool := cfg.Pool
	if pool == nil {
		pool = release.NewWorkerPool(cfg.Workers, 0)
	}
	return &Server{
		cfg:      cfg,
		releaser: releaser,
		pool:     pool,
		log:      log,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections until ln is closed or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.closeListener()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeListener() {
	s.closed.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	log := s.log.With(slog.String("remote", conn.RemoteAddr().String()))
	log.Debug("Connection accepted")

	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		if s.closed.Load() {
			return
		}

		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				log.Debug("Connection closed", "err", err)
			}
			return
		}

		response := s.handleFrame(ctx, log, frame)
		if response == nil {
			return
		}

		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}
		if err := wire.WriteFrame(conn, response); err != nil {
			log.Debug("Failed to write response", "err", err)
			return
		}
	}
}

// handleFrame decodes one request, runs the protocol under the worker limit and
// encodes the response. Returns nil if no response can be produced.
func (s *Server) handleFrame(ctx context.Context, log *slog.Logger, frame []byte) []byte {
	req, err := wire.DecodeKeyRequest(frame)
	if err != nil {
		log.Info("Malformed request frame", "err", err)
		return s.encodeError(log, interfaces.MalformedRequest)
	}

	done, err := s.pool.Acquire(ctx)
	if err != nil {
		log.Info("No worker available", "err", err)
		return s.encodeError(log, interfaces.Timeout)
	}
	sk, err := s.releaser.Release(ctx, req)
	done()

	if err != nil {
		code, ok := interfaces.RejectCodeOf(err)
		if !ok {
			code = interfaces.MalformedRequest
		}
		return s.encodeError(log, code)
	}

	response, err := wire.EncodeSealedKey(sk)
	if err != nil {
		log.Error("Failed to encode sealed key", "err", err)
		return nil
	}
	return response
}

func (s *Server) encodeError(log *slog.Logger, code interfaces.RejectCode) []byte {
	response, err := wire.EncodeError(code)
	if err != nil {
		log.Error("Failed to encode rejection", "err", err)
		return nil
	}
	return response
}

// Shutdown stops accepting connections, closes idle ones and waits for in-flight
// requests to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeListener()

	s.mu.Lock()
	for conn := range s.conns {
		// Unblocks connections waiting for their next frame.
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
