package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// SinkFor creates a sink from a location URI.
//
// Supported schemes:
//   - file:///path/to/audit.jsonl
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=https://minio:9000
func SinkFor(locationURI string, log *slog.Logger) (interfaces.AuditSink, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid audit sink URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		p := u.Path
		if u.Host != "" {
			p = u.Host + p
		}
		if p == "" {
			return nil, errors.New("file audit sink needs a path")
		}
		return NewFileSink(p, log)

	case "s3":
		query := u.Query()
		cfg := S3Config{
			Bucket:   u.Host,
			Prefix:   strings.TrimPrefix(u.Path, "/"),
			Region:   query.Get("region"),
			Endpoint: query.Get("endpoint"),
		}
		if u.User != nil {
			cfg.AccessKey = u.User.Username()
			cfg.SecretKey, _ = u.User.Password()
		}
		return NewS3Sink(cfg, log)

	default:
		return nil, fmt.Errorf("unsupported audit sink scheme: %q", u.Scheme)
	}
}

// MultiSink writes every event to all of its sinks.
type MultiSink struct {
	sinks []interfaces.AuditSink
	log   *slog.Logger
}

// NewMultiSink creates sinks for every URI. Returns nil when uris is empty.
func NewMultiSink(uris []string, log *slog.Logger) (*MultiSink, error) {
	if len(uris) == 0 {
		return nil, nil
	}

	sinks := make([]interfaces.AuditSink, 0, len(uris))
	for _, uri := range uris {
		sink, err := SinkFor(uri, log)
		if err != nil {
			return nil, fmt.Errorf("audit sink %q: %w", uri, err)
		}
		sinks = append(sinks, sink)
	}
	return &MultiSink{sinks: sinks, log: log}, nil
}

// Record writes to every sink, returning the joined errors of the sinks that failed.
func (m *MultiSink) Record(ctx context.Context, event interfaces.AuditEvent) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, event); err != nil {
			m.log.Warn("Audit sink failed", slog.String("sink", sink.Name()), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Name() string {
	names := make([]string, len(m.sinks))
	for i, sink := range m.sinks {
		names[i] = sink.Name()
	}
	return strings.Join(names, ",")
}

// Close closes every sink that holds resources.
func (m *MultiSink) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if c, ok := sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
