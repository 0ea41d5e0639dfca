package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

const (
	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

// Listen opens a listener on network ("tcp" or "vsock"). For vsock, address is
// the port number. When tlsConfig is set, connections are wrapped in TLS.
func Listen(network, address string, tlsConfig *tls.Config) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	switch network {
	case NetworkTCP, "":
		ln, err = net.Listen("tcp", address)
	case NetworkVsock:
		port, perr := strconv.ParseUint(strings.TrimPrefix(address, ":"), 10, 32)
		if perr != nil {
			return nil, fmt.Errorf("invalid vsock port %q: %w", address, perr)
		}
		ln, err = vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// Dial connects to a provider. For vsock, address is "cid:port".
func Dial(ctx context.Context, network, address string, tlsConfig *tls.Config) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch network {
	case NetworkTCP, "":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	case NetworkVsock:
		cid, port, perr := parseVsockAddress(address)
		if perr != nil {
			return nil, perr
		}
		conn, err = vsock.Dial(cid, port, nil)
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tlsConn
	}
	return conn, nil
}

func parseVsockAddress(address string) (uint32, uint32, error) {
	cidStr, portStr, ok := strings.Cut(address, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid vsock address %q: want cid:port", address)
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock cid %q: %w", cidStr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid vsock port %q: %w", portStr, err)
	}
	return uint32(cid), uint32(port), nil
}
