package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"go.uber.org/atomic"
)

// ErrQueueFull is returned by AsyncSink.Record when the event was dropped.
var ErrQueueFull = errors.New("audit queue full")

// AsyncSink queues events and writes them to the wrapped sink from a single
// goroutine, so that a slow sink does not hold up key releases.
type AsyncSink struct {
	sink    interfaces.AuditSink
	timeout time.Duration
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan interfaces.AuditEvent
	done    chan struct{}
	dropped atomic.Uint64
}

// NewAsyncSink starts the writer. Each write is bounded by timeout.
func NewAsyncSink(sink interfaces.AuditSink, queueSize int, timeout time.Duration, log *slog.Logger) *AsyncSink {
	if queueSize < 1 {
		queueSize = 1
	}
	s := &AsyncSink{
		sink:    sink,
		timeout: timeout,
		log:     log,
		queue:   make(chan interfaces.AuditEvent, queueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.sink.Record(ctx, event)
		cancel()
		if err != nil {
			s.log.Error("Failed to write audit record",
				slog.String("request_id", event.RequestID),
				slog.String("sink", s.sink.Name()),
				"err", err)
		}
	}
}

// Record enqueues the event without waiting for the write. A full queue drops
// the event.
func (s *AsyncSink) Record(_ context.Context, event interfaces.AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("audit sink closed")
	}

	select {
	case s.queue <- event:
		return nil
	default:
		s.dropped.Inc()
		return fmt.Errorf("%w: dropped event for request %s", ErrQueueFull, event.RequestID)
	}
}

func (s *AsyncSink) Name() string {
	return s.sink.Name()
}

// Dropped is the number of events lost to a full queue.
func (s *AsyncSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close writes out the queued events, then closes the wrapped sink.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if c, ok := s.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
