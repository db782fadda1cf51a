package banner

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Service is a detected service class.
type Service string

const (
	ServiceHTTP       Service = "http"
	ServiceHTTPS      Service = "https"
	ServiceSSH        Service = "ssh"
	ServiceFTP        Service = "ftp"
	ServiceSMTP       Service = "smtp"
	ServiceDNS        Service = "dns"
	ServiceMySQL      Service = "mysql"
	ServicePostgreSQL Service = "postgresql"
	ServiceRedis      Service = "redis"
	ServiceMongoDB    Service = "mongodb"
	ServiceMSSQL      Service = "mssql"
	ServiceTelnet     Service = "telnet"
	ServiceIMAP       Service = "imap"
	ServicePOP3       Service = "pop3"
	ServiceRDP        Service = "rdp"
	ServiceVNC        Service = "vnc"
	ServiceUnknown    Service = "unknown"
)

// Detection is one service identified in a banner.
type Detection struct {
	Service    Service
	Confidence float64 // 0.0 to 1.0
	Version    string
	Info       map[string]string
}

type signature struct {
	re         *regexp.Regexp
	confidence float64
}

type serviceSignatures struct {
	service Service
	sigs    []signature
}

func sig(pattern string, confidence float64) signature {
	return signature{re: regexp.MustCompile(`(?i)` + pattern), confidence: confidence}
}

// Signature table, checked in order. Confidences reflect how specific
// the indicator is; canonical ports add a bonus later.
var signatures = []serviceSignatures{
	{ServiceHTTP, []signature{
		sig(`(apache|httpd)`, 0.9),
		sig(`nginx`, 0.9),
		sig(`iis`, 0.9),
		sig(`lighttpd`, 0.8),
		sig(`caddy`, 0.8),
		sig(`http/1\.[01]`, 0.7),
		sig(`server:\s*([^\r\n]+)`, 0.6),
	}},
	{ServiceHTTPS, []signature{
		sig(`https`, 0.8),
		sig(`ssl`, 0.7),
		sig(`tls`, 0.7),
		sig(`secure`, 0.6),
	}},
	{ServiceSSH, []signature{
		sig(`ssh-2\.0`, 0.95),
		sig(`openssh`, 0.9),
		sig(`dropbear`, 0.8),
		sig(`libssh`, 0.7),
	}},
	{ServiceFTP, []signature{
		sig(`vsftpd`, 0.9),
		sig(`proftpd`, 0.8),
		sig(`pure-ftpd`, 0.8),
		sig(`220.*ftp`, 0.7),
	}},
	{ServiceSMTP, []signature{
		sig(`postfix`, 0.9),
		sig(`sendmail`, 0.8),
		sig(`exim`, 0.8),
		sig(`220.*smtp`, 0.7),
		sig(`esmtp`, 0.7),
	}},
	{ServiceDNS, []signature{
		sig(`bind`, 0.9),
		sig(`dnsmasq`, 0.8),
		sig(`powerdns`, 0.8),
		sig(`53.*dns`, 0.6),
	}},
	{ServiceMySQL, []signature{
		sig(`mysql`, 0.9),
		sig(`mariadb`, 0.9),
		sig(`percona`, 0.8),
	}},
	{ServicePostgreSQL, []signature{
		sig(`postgresql`, 0.9),
		sig(`postgres`, 0.8),
	}},
	{ServiceRedis, []signature{
		sig(`redis`, 0.9),
	}},
	{ServiceMongoDB, []signature{
		sig(`mongodb`, 0.9),
		sig(`mongo`, 0.8),
	}},
	{ServiceMSSQL, []signature{
		sig(`mssql`, 0.9),
		sig(`sql server`, 0.8),
	}},
	{ServiceTelnet, []signature{
		sig(`telnet`, 0.8),
	}},
	{ServiceIMAP, []signature{
		sig(`imap`, 0.8),
		sig(`dovecot`, 0.9),
	}},
	{ServicePOP3, []signature{
		sig(`pop3`, 0.8),
	}},
	{ServiceRDP, []signature{
		sig(`rdp`, 0.8),
		sig(`terminal services`, 0.7),
	}},
	{ServiceVNC, []signature{
		sig(`vnc`, 0.8),
		sig(`tightvnc`, 0.9),
		sig(`tigervnc`, 0.9),
	}},
}

// canonicalPorts gives the confidence bonus when a service shows up on
// its usual port.
var canonicalPorts = map[Service]map[int]bool{
	ServiceHTTP:       {80: true, 8080: true, 8000: true},
	ServiceHTTPS:      {443: true, 8443: true, 9443: true},
	ServiceSSH:        {22: true},
	ServiceFTP:        {21: true},
	ServiceSMTP:       {25: true, 587: true, 465: true},
	ServiceDNS:        {53: true},
	ServiceMySQL:      {3306: true},
	ServicePostgreSQL: {5432: true},
	ServiceRedis:      {6379: true},
	ServiceMongoDB:    {27017: true},
	ServiceMSSQL:      {1433: true},
	ServiceTelnet:     {23: true},
	ServiceIMAP:       {143: true, 993: true},
	ServicePOP3:       {110: true, 995: true},
	ServiceRDP:        {3389: true},
	ServiceVNC:        {5900: true, 5901: true},
}

var sslIndicators = []string{
	"ssl", "tls", "https", "starttls", "ssl/tls", "tls/ssl",
	"secure", "encrypted", "certificate", "x509",
}

var webIndicators = []string{
	"http", "https", "www", "web", "server", "apache", "nginx",
	"iis", "lighttpd", "caddy", "tomcat", "jetty",
}

var versionPatterns = map[Service][]*regexp.Regexp{
	ServiceHTTP: {
		regexp.MustCompile(`(?i)apache/([0-9.]+)`),
		regexp.MustCompile(`(?i)nginx/([0-9.]+)`),
		regexp.MustCompile(`(?i)iis/([0-9.]+)`),
		regexp.MustCompile(`(?i)server:\s*([^\r\n]+)`),
	},
	ServiceSSH: {
		regexp.MustCompile(`(?i)openssh_([0-9.]+)`),
		regexp.MustCompile(`(?i)ssh-2\.0-([^\s]+)`),
	},
	ServiceFTP: {
		regexp.MustCompile(`(?i)vsftpd\s+([0-9.]+)`),
		regexp.MustCompile(`(?i)proftpd\s+([0-9.]+)`),
	},
	ServiceSMTP: {
		regexp.MustCompile(`(?i)postfix/([0-9.]+)`),
		regexp.MustCompile(`(?i)sendmail\s+([0-9.]+)`),
	},
	ServiceMySQL: {
		regexp.MustCompile(`(?i)mysql\s+([0-9.]+)`),
		regexp.MustCompile(`(?i)mariadb\s+([0-9.]+)`),
	},
}

var (
	serverHeaderRe = regexp.MustCompile(`(?i)server:\s*([^\r\n]+)`)
	sshInfoRe      = regexp.MustCompile(`(?i)ssh-([0-9.]+)-([^\s]+)`)
)

// Analyze detects services in a banner. The result is sorted by
// confidence, highest first; an empty or unrecognized banner yields a
// single unknown detection at confidence 0.
func Analyze(banner string, port int) []Detection {
	if strings.TrimSpace(banner) == "" {
		return []Detection{{Service: ServiceUnknown, Info: map[string]string{}}}
	}
	lower := strings.ToLower(banner)

	var detections []Detection
	for _, ss := range signatures {
		for _, s := range ss.sigs {
			if !s.re.MatchString(banner) {
				continue
			}
			detections = append(detections, Detection{
				Service:    ss.service,
				Confidence: adjustConfidence(s.confidence, lower, port, ss.service),
				Version:    extractVersion(banner, ss.service),
				Info:       extractInfo(banner, ss.service),
			})
		}
	}

	// Fall back to generic indicators when nothing specific matched.
	if len(detections) == 0 {
		switch {
		case containsAny(lower, sslIndicators):
			detections = append(detections, Detection{Service: ServiceHTTPS, Confidence: 0.5, Info: map[string]string{}})
		case containsAny(lower, webIndicators):
			detections = append(detections, Detection{Service: ServiceHTTP, Confidence: 0.5, Info: map[string]string{}})
		default:
			detections = append(detections, Detection{Service: ServiceUnknown, Info: map[string]string{}})
		}
	}

	// HTTP on 443 is almost certainly HTTPS behind the handshake.
	if port == 443 {
		for _, d := range detections {
			if d.Service == ServiceHTTP {
				detections = append(detections, Detection{Service: ServiceHTTPS, Confidence: 0.9, Info: map[string]string{}})
				break
			}
		}
	}

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	return detections
}

func adjustConfidence(base float64, lower string, port int, service Service) float64 {
	confidence := base
	if canonicalPorts[service][port] {
		confidence += 0.1
	}
	if service == ServiceHTTP || service == ServiceHTTPS {
		if countIndicators(lower, webIndicators) > 1 {
			confidence += 0.1
		}
	}
	if service == ServiceHTTPS {
		if countIndicators(lower, sslIndicators) > 1 {
			confidence += 0.1
		}
	}
	return math.Min(confidence, 1.0)
}

func extractVersion(banner string, service Service) string {
	for _, re := range versionPatterns[service] {
		if m := re.FindStringSubmatch(banner); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func extractInfo(banner string, service Service) map[string]string {
	info := map[string]string{}
	if service == ServiceHTTP || service == ServiceHTTPS {
		if m := serverHeaderRe.FindStringSubmatch(banner); m != nil {
			info["server"] = strings.TrimSpace(m[1])
		}
	}
	if service == ServiceSSH {
		if m := sshInfoRe.FindStringSubmatch(banner); m != nil {
			info["ssh_version"] = m[1]
			info["software"] = m[2]
		}
	}
	return info
}

func containsAny(s string, indicators []string) bool {
	for _, in := range indicators {
		if strings.Contains(s, in) {
			return true
		}
	}
	return false
}

func countIndicators(s string, indicators []string) int {
	n := 0
	for _, in := range indicators {
		if strings.Contains(s, in) {
			n++
		}
	}
	return n
}

// ShouldQueueSSLCert reports whether the detections warrant fetching the
// port's certificate: an HTTPS detection, or a mail service whose server
// info mentions TLS.
func ShouldQueueSSLCert(detections []Detection) bool {
	for _, d := range detections {
		if d.Service == ServiceHTTPS {
			return true
		}
		if d.Service == ServiceSMTP || d.Service == ServiceIMAP || d.Service == ServicePOP3 {
			server := strings.ToLower(d.Info["server"])
			if server != "" && containsAny(server, sslIndicators) {
				return true
			}
		}
	}
	return false
}

// ShouldQueueDomainEnum reports whether the detections warrant domain
// enumeration: any web service.
func ShouldQueueDomainEnum(detections []Detection) bool {
	for _, d := range detections {
		if d.Service == ServiceHTTP || d.Service == ServiceHTTPS {
			return true
		}
	}
	return false
}

// FollowupPriority maps the strongest detection to a job priority on the
// 0..10 scale used by the queue.
func FollowupPriority(detections []Detection) int {
	max := 0.0
	for _, d := range detections {
		if d.Confidence > max {
			max = d.Confidence
		}
	}
	return int(math.Floor(max * 10))
}
