package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// FileSink appends events as JSON lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	path string
	log  *slog.Logger
}

// NewFileSink opens path for appending, creating it and its directory if needed.
func NewFileSink(path string, log *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	return &FileSink{file: f, path: path, log: log}, nil
}

func (s *FileSink) Record(_ context.Context, event interfaces.AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (s *FileSink) Name() string {
	return "file://" + s.path
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
