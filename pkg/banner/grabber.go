package banner

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultSocketTimeout bounds the fallback dial and read.
	DefaultSocketTimeout = 3 * time.Second

	// DefaultNmapTimeout bounds the nmap probe per port.
	DefaultNmapTimeout = 30 * time.Second

	maxBannerLen = 500
)

var (
	tlsProbePorts  = map[int]bool{443: true, 8443: true, 9443: true}
	httpProbePorts = map[int]bool{80: true, 8080: true, 8000: true, 8008: true, 8888: true}
	greetingPorts  = map[int]bool{22: true, 21: true, 25: true, 587: true, 465: true}
)

// Grabber retrieves service banners from open ports. It prefers an nmap
// version probe and falls back to a raw socket read when nmap is missing
// or comes back empty.
type Grabber struct {
	NmapPath      string
	NmapTimeout   time.Duration
	SocketTimeout time.Duration
}

// NewGrabber returns a grabber with default timeouts.
func NewGrabber() *Grabber {
	return &Grabber{
		NmapPath:      "nmap",
		NmapTimeout:   DefaultNmapTimeout,
		SocketTimeout: DefaultSocketTimeout,
	}
}

// Grab returns the banner for host:port, or "" when nothing could be
// read. Only TCP is supported; UDP banner grabbing is unreliable enough
// that we skip it entirely.
func (g *Grabber) Grab(ctx context.Context, host string, port int, proto string) string {
	if !strings.EqualFold(proto, "tcp") {
		return ""
	}
	if banner := g.grabNmap(ctx, host, port); banner != "" {
		return banner
	}
	return g.grabSocket(ctx, host, port)
}

// nmap XML output, reduced to the parts we read.
type nmapRun struct {
	Hosts []struct {
		Ports struct {
			Ports []struct {
				Service struct {
					Name      string `xml:"name,attr"`
					Product   string `xml:"product,attr"`
					Version   string `xml:"version,attr"`
					ExtraInfo string `xml:"extrainfo,attr"`
				} `xml:"service"`
				Scripts []struct {
					ID     string `xml:"id,attr"`
					Output string `xml:"output,attr"`
				} `xml:"script"`
			} `xml:"port"`
		} `xml:"ports"`
	} `xml:"host"`
}

func (g *Grabber) grabNmap(ctx context.Context, host string, port int) string {
	timeout := g.NmapTimeout
	if timeout <= 0 {
		timeout = DefaultNmapTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.NmapPath,
		"-Pn", "-n", "-sV", "--version-light",
		"--host-timeout", fmt.Sprintf("%ds", int(timeout.Seconds())),
		"--max-retries", "1",
		"--script", "banner",
		"-p", fmt.Sprintf("%d", port),
		"-oX", "-",
		host,
	)
	out, err := cmd.Output()
	if err != nil {
		return ""
	}

	var run nmapRun
	if err := xml.Unmarshal(out, &run); err != nil {
		return ""
	}
	for _, h := range run.Hosts {
		for _, p := range h.Ports.Ports {
			var parts []string
			svc := p.Service
			for _, s := range []string{svc.Name, svc.Product, svc.Version} {
				if s != "" {
					parts = append(parts, s)
				}
			}
			if svc.ExtraInfo != "" {
				parts = append(parts, "("+svc.ExtraInfo+")")
			}
			if len(parts) == 0 {
				for _, script := range p.Scripts {
					if script.ID == "banner" && script.Output != "" {
						parts = append(parts, script.Output)
						break
					}
				}
			}
			if len(parts) > 0 {
				return cleanBanner(strings.Join(parts, " "))
			}
		}
	}
	return ""
}

func (g *Grabber) grabSocket(ctx context.Context, host string, port int) string {
	timeout := g.SocketTimeout
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ""
	}
	defer conn.Close()

	switch {
	case tlsProbePorts[port]:
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true, ServerName: host})
		tlsConn.SetDeadline(time.Now().Add(timeout))
		if err := tlsConn.Handshake(); err != nil {
			return ""
		}
		fmt.Fprintf(tlsConn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", host)
		return readBanner(tlsConn, timeout)

	case httpProbePorts[port]:
		conn.SetDeadline(time.Now().Add(timeout))
		fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\n\r\n", host)
		return readBanner(conn, timeout)

	case greetingPorts[port]:
		return readBanner(conn, timeout)

	default:
		return readBanner(conn, timeout)
	}
}

func readBanner(conn net.Conn, timeout time.Duration) string {
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if n <= 0 || (err != nil && n == 0) {
		return ""
	}
	return cleanBanner(string(buf[:n]))
}

// cleanBanner collapses whitespace and bounds the length, truncating on
// a rune boundary so a multi-byte sequence is never split.
func cleanBanner(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxBannerLen {
		cut := maxBannerLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "…"
	}
	return s
}
