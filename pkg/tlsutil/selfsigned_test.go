package tlsutil

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSigned(t *testing.T) {
	cert, err := SelfSigned(nil)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "localhost", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "localhost")
	assert.True(t, parsed.NotAfter.After(time.Now().Add(300*24*time.Hour)))
}

func TestSelfSigned_CustomConfig(t *testing.T) {
	cert, err := SelfSigned(&CertificateConfig{
		Organization: "acme",
		CommonName:   "gateway.internal",
		DNSNames:     []string{"gateway.internal"},
		ValidFor:     time.Hour,
	})
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "gateway.internal", parsed.Subject.CommonName)
	assert.Equal(t, []string{"acme"}, parsed.Subject.Organization)
}
