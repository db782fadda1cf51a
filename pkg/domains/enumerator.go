package domains

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

// DefaultTimeout bounds each individual probe (dial, read, DNS query).
const DefaultTimeout = 5 * time.Second

var (
	defaultSSLPorts  = []int{443, 8443, 9443, 10443}
	defaultHTTPPorts = []int{80, 8080, 8000, 8008, 8888, 3000, 5000}
)

// headerPatterns pull candidate names out of HTTP response headers. Most
// Server values are software names and get dropped by validation; the
// interesting hits come from Location and cookie domains.
var headerPatterns = []struct {
	re *regexp.Regexp
}{
	{regexp.MustCompile(`(?i)server:\s*([^\r\n]+)`)},
	{regexp.MustCompile(`(?i)x-powered-by:\s*([^\r\n]+)`)},
	{regexp.MustCompile(`(?i)location:\s*https?://([^/\r\n]+)`)},
	{regexp.MustCompile(`(?i)set-cookie:.*domain=([^;\r\n]+)`)},
}

var domainRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Finding is one domain name observed for a host, tagged with where it
// was seen.
type Finding struct {
	Name   string
	Source types.DomainSource
}

// Enumerator discovers domain names associated with an IP address from
// reverse DNS, TLS certificates, HTTP headers, and PTR records.
type Enumerator struct {
	Timeout    time.Duration
	SSLPorts   []int
	HTTPPorts  []int
	ResolvConf string // path to resolv.conf for PTR lookups
}

// NewEnumerator returns an enumerator with default ports and timeouts.
func NewEnumerator() *Enumerator {
	return &Enumerator{
		Timeout:    DefaultTimeout,
		SSLPorts:   defaultSSLPorts,
		HTTPPorts:  defaultHTTPPorts,
		ResolvConf: "/etc/resolv.conf",
	}
}

// Enumerate probes all sources and returns validated findings,
// deduplicated by name (first source wins). Probe failures are expected
// on hosts that simply don't run the service and are not errors.
func (e *Enumerator) Enumerate(ctx context.Context, hostIP string) []Finding {
	var raw []Finding
	raw = append(raw, e.reverseDNS(ctx, hostIP)...)
	raw = append(raw, e.sslDomains(ctx, hostIP)...)
	raw = append(raw, e.httpDomains(ctx, hostIP)...)
	raw = append(raw, e.ptrDomains(hostIP)...)

	seen := make(map[string]bool)
	var findings []Finding
	for _, f := range raw {
		name := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(f.Name, ".")))
		if !ValidDomain(name) || seen[name] {
			continue
		}
		seen[name] = true
		findings = append(findings, Finding{Name: name, Source: f.Source})
	}
	return findings
}

func (e *Enumerator) timeout() time.Duration {
	if e.Timeout <= 0 {
		return DefaultTimeout
	}
	return e.Timeout
}

func (e *Enumerator) reverseDNS(ctx context.Context, hostIP string) []Finding {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, hostIP)
	if err != nil {
		return nil
	}
	var findings []Finding
	for _, name := range names {
		if name != "" && name != hostIP {
			findings = append(findings, Finding{Name: name, Source: types.DomainSourceReverseDNS})
		}
	}
	return findings
}

func (e *Enumerator) sslDomains(ctx context.Context, hostIP string) []Finding {
	var findings []Finding
	dialer := &net.Dialer{Timeout: e.timeout()}
	for _, port := range e.SSLPorts {
		addr := net.JoinHostPort(hostIP, fmt.Sprintf("%d", port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: hostIP})
		tlsConn.SetDeadline(time.Now().Add(e.timeout()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			continue
		}
		certs := tlsConn.ConnectionState().PeerCertificates
		if len(certs) > 0 {
			leaf := certs[0]
			if leaf.Subject.CommonName != "" {
				findings = append(findings, Finding{Name: leaf.Subject.CommonName, Source: types.DomainSourceSSLCN})
			}
			for _, san := range leaf.DNSNames {
				findings = append(findings, Finding{Name: san, Source: types.DomainSourceSSLSAN})
			}
		}
		tlsConn.Close()
	}
	return findings
}

func (e *Enumerator) httpDomains(ctx context.Context, hostIP string) []Finding {
	var findings []Finding
	dialer := &net.Dialer{Timeout: e.timeout()}
	for _, port := range e.HTTPPorts {
		addr := net.JoinHostPort(hostIP, fmt.Sprintf("%d", port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		conn.SetDeadline(time.Now().Add(e.timeout()))
		fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", hostIP)
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		conn.Close()
		if n <= 0 {
			continue
		}
		response := string(buf[:n])
		for _, p := range headerPatterns {
			for _, m := range p.re.FindAllStringSubmatch(response, -1) {
				findings = append(findings, Finding{Name: strings.TrimSpace(m[1]), Source: types.DomainSourceHTTPHeader})
			}
		}
	}
	return findings
}

func (e *Enumerator) ptrDomains(hostIP string) []Finding {
	conf, err := dns.ClientConfigFromFile(e.ResolvConf)
	if err != nil || len(conf.Servers) == 0 {
		return nil
	}
	reverse, err := dns.ReverseAddr(hostIP)
	if err != nil {
		return nil
	}

	m := new(dns.Msg)
	m.SetQuestion(reverse, dns.TypePTR)
	client := &dns.Client{Timeout: e.timeout()}

	resp, _, err := client.Exchange(m, net.JoinHostPort(conf.Servers[0], conf.Port))
	if err != nil || resp == nil {
		return nil
	}
	var findings []Finding
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			findings = append(findings, Finding{Name: ptr.Ptr, Source: types.DomainSourceReverseDNS})
		}
	}
	return findings
}

// ValidDomain reports whether s looks like a real domain name: label
// syntax, at least one dot, not an IP literal, at most 253 chars.
func ValidDomain(s string) bool {
	if s == "" || len(s) > 253 {
		return false
	}
	if !domainRe.MatchString(s) {
		return false
	}
	if !strings.Contains(s, ".") {
		return false
	}
	if net.ParseIP(s) != nil {
		return false
	}
	return true
}
