package sslcert

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

// DefaultTimeout bounds the TLS handshake.
const DefaultTimeout = 5 * time.Second

// Grabber retrieves the leaf certificate presented by a TLS endpoint.
// Verification is deliberately disabled: we record what the host serves,
// valid or not.
type Grabber struct {
	Timeout time.Duration
}

// NewGrabber returns a grabber with the default timeout.
func NewGrabber() *Grabber {
	return &Grabber{Timeout: DefaultTimeout}
}

// Grab performs a TLS handshake with host:port and returns the parsed
// leaf certificate.
func (g *Grabber) Grab(ctx context.Context, hostIP string, port int) (*types.SSLCertificate, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(hostIP, fmt.Sprintf("%d", port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: hostIP})
	tlsConn.SetDeadline(time.Now().Add(timeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s failed: %w", addr, err)
	}

	certs := tlsConn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate presented by %s", addr)
	}
	return Parse(certs[0], hostIP, port, time.Now().UTC()), nil
}

// Parse converts an X.509 certificate into the storage representation.
func Parse(cert *x509.Certificate, hostIP string, port int, now time.Time) *types.SSLCertificate {
	sum256 := sha256.Sum256(cert.Raw)
	sum1 := sha1.Sum(cert.Raw)
	return &types.SSLCertificate{
		Fingerprint:        strings.ToUpper(hex.EncodeToString(sum256[:])),
		FingerprintSHA1:    strings.ToUpper(hex.EncodeToString(sum1[:])),
		PEM:                string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})),
		SubjectCN:          cert.Subject.CommonName,
		IssuerCN:           cert.Issuer.CommonName,
		Subject:            nameFields(cert.Subject),
		Issuer:             nameFields(cert.Issuer),
		SerialNumber:       cert.SerialNumber.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		ValidFrom:          cert.NotBefore,
		ValidUntil:         cert.NotAfter,
		Extensions:         extensions(cert),
		Domains:            domains(cert),
		HostIP:             hostIP,
		Port:               port,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func nameFields(name pkix.Name) map[string]string {
	fields := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	set("commonName", name.CommonName)
	set("organizationName", strings.Join(name.Organization, ", "))
	set("organizationalUnitName", strings.Join(name.OrganizationalUnit, ", "))
	set("countryName", strings.Join(name.Country, ", "))
	set("stateOrProvinceName", strings.Join(name.Province, ", "))
	set("localityName", strings.Join(name.Locality, ", "))
	return fields
}

func extensions(cert *x509.Certificate) map[string]string {
	ext := make(map[string]string)
	if len(cert.DNSNames) > 0 {
		ext["subjectAltName"] = "DNS:" + strings.Join(cert.DNSNames, ", DNS:")
	}
	if cert.BasicConstraintsValid {
		ext["basicConstraints"] = fmt.Sprintf("CA:%v", cert.IsCA)
	}
	if usage := keyUsage(cert.KeyUsage); usage != "" {
		ext["keyUsage"] = usage
	}
	if len(cert.ExtKeyUsage) > 0 {
		ext["extendedKeyUsage"] = extKeyUsage(cert.ExtKeyUsage)
	}
	if len(cert.SubjectKeyId) > 0 {
		ext["subjectKeyIdentifier"] = strings.ToUpper(hex.EncodeToString(cert.SubjectKeyId))
	}
	if len(cert.AuthorityKeyId) > 0 {
		ext["authorityKeyIdentifier"] = strings.ToUpper(hex.EncodeToString(cert.AuthorityKeyId))
	}
	if len(cert.CRLDistributionPoints) > 0 {
		ext["crlDistributionPoints"] = strings.Join(cert.CRLDistributionPoints, ", ")
	}
	if len(cert.OCSPServer) > 0 {
		ext["authorityInfoAccess"] = strings.Join(cert.OCSPServer, ", ")
	}
	return ext
}

func keyUsage(u x509.KeyUsage) string {
	var parts []string
	for _, f := range []struct {
		bit  x509.KeyUsage
		name string
	}{
		{x509.KeyUsageDigitalSignature, "Digital Signature"},
		{x509.KeyUsageContentCommitment, "Content Commitment"},
		{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
		{x509.KeyUsageDataEncipherment, "Data Encipherment"},
		{x509.KeyUsageKeyAgreement, "Key Agreement"},
		{x509.KeyUsageCertSign, "Certificate Sign"},
		{x509.KeyUsageCRLSign, "CRL Sign"},
	} {
		if u&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ", ")
}

func extKeyUsage(usages []x509.ExtKeyUsage) string {
	var parts []string
	for _, u := range usages {
		switch u {
		case x509.ExtKeyUsageServerAuth:
			parts = append(parts, "TLS Web Server Authentication")
		case x509.ExtKeyUsageClientAuth:
			parts = append(parts, "TLS Web Client Authentication")
		case x509.ExtKeyUsageCodeSigning:
			parts = append(parts, "Code Signing")
		case x509.ExtKeyUsageEmailProtection:
			parts = append(parts, "E-mail Protection")
		case x509.ExtKeyUsageOCSPSigning:
			parts = append(parts, "OCSP Signing")
		default:
			parts = append(parts, "Other")
		}
	}
	return strings.Join(parts, ", ")
}

// domains returns the subject common name plus all DNS SANs, deduplicated
// and sorted.
func domains(cert *x509.Certificate) []string {
	set := make(map[string]bool)
	if cert.Subject.CommonName != "" {
		set[cert.Subject.CommonName] = true
	}
	for _, name := range cert.DNSNames {
		if name != "" {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
