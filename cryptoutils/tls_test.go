package cryptoutils

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomCert(t *testing.T) {
	cert, err := RandomCert("provider.local")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "provider.local", parsed.Subject.CommonName)
}

func TestServerTLSConfig(t *testing.T) {
	cfg, err := ServerTLSConfig("", "")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	_, err = ServerTLSConfig("cert.pem", "")
	require.Error(t, err)

	_, err = ServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
}

func TestClientTLSConfig(t *testing.T) {
	cfg, err := ClientTLSConfig("")
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)

	_, err = ClientTLSConfig("/nonexistent/ca.pem")
	require.Error(t, err)
}
