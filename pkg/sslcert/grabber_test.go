package sslcert

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject: pkix.Name{
			CommonName:   "test.example.com",
			Organization: []string{"Example Org"},
		},
		DNSNames:              []string{"test.example.com", "alt.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, parsed
}

func serveTLS(t *testing.T, cert tls.Certificate) (string, int) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				// Drive the handshake by reading; the client never writes.
				buf := make([]byte, 1)
				c.SetReadDeadline(time.Now().Add(time.Second))
				c.Read(buf)
				c.Close()
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestGrabCertificate(t *testing.T) {
	tlsCert, parsed := selfSigned(t)
	host, port := serveTLS(t, tlsCert)

	got, err := NewGrabber().Grab(context.Background(), host, port)
	require.NoError(t, err)

	sum := sha256.Sum256(parsed.Raw)
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(sum[:])), got.Fingerprint)
	assert.Equal(t, "test.example.com", got.SubjectCN)
	assert.Equal(t, host, got.HostIP)
	assert.Equal(t, port, got.Port)
}

func TestGrabConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	g := &Grabber{Timeout: 500 * time.Millisecond}
	_, err = g.Grab(context.Background(), host, port)
	assert.Error(t, err)
}

func TestGrabNonTLSEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte("220 not tls\r\n"))
			conn.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	g := &Grabber{Timeout: 500 * time.Millisecond}
	_, err = g.Grab(context.Background(), host, port)
	assert.Error(t, err)
}

func TestParseFields(t *testing.T) {
	_, parsed := selfSigned(t)
	now := time.Now().UTC()

	cert := Parse(parsed, "203.0.113.7", 443, now)

	assert.Len(t, cert.Fingerprint, 64)
	assert.Equal(t, strings.ToUpper(cert.Fingerprint), cert.Fingerprint)
	assert.Len(t, cert.FingerprintSHA1, 40)
	assert.Equal(t, "test.example.com", cert.SubjectCN)
	assert.Equal(t, "test.example.com", cert.IssuerCN) // self-signed
	assert.Equal(t, "Example Org", cert.Subject["organizationName"])
	assert.Equal(t, "42", cert.SerialNumber)

	// CN plus DNS SANs, deduplicated and sorted.
	assert.Equal(t, []string{"alt.example.com", "test.example.com"}, cert.Domains)

	assert.Contains(t, cert.Extensions["subjectAltName"], "DNS:test.example.com")
	assert.Equal(t, "CA:true", cert.Extensions["basicConstraints"])
	assert.Contains(t, cert.Extensions["keyUsage"], "Digital Signature")
	assert.Contains(t, cert.Extensions["extendedKeyUsage"], "TLS Web Server Authentication")

	// PEM round-trips to the same DER.
	block, _ := pem.Decode([]byte(cert.PEM))
	require.NotNil(t, block)
	assert.Equal(t, parsed.Raw, block.Bytes)

	assert.True(t, cert.ValidFrom.Before(now))
	assert.True(t, cert.ValidUntil.After(now))
}
