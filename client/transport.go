package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/transport"
	"github.com/ruteri/tee-sealing-key-provider/wire"
)

// RoundTripper carries one encoded request to the provider and returns the
// encoded response.
type RoundTripper interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// StreamTransport talks to the provider's framed stream listener, one
// connection per request.
type StreamTransport struct {
	Network string
	Address string
	TLS     *tls.Config
}

func (t *StreamTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	conn, err := transport.Dial(ctx, t.Network, t.Address, t.TLS)
	if err != nil {
		return nil, fmt.Errorf("connecting to provider: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock reads when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.WriteFrame(conn, request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	resp, err := wire.ReadFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

// HTTPTransport talks to the provider's HTTP API.
type HTTPTransport struct {
	BaseURL string
	Client  *http.Client
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	url := strings.TrimSuffix(t.BaseURL, "/") + "/api/attested/release"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	// Rejections come with a non-2xx status and a CBOR error body.
	if resp.Header.Get("Content-Type") != "application/cbor" {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
