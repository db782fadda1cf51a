package banner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSSHBanner(t *testing.T) {
	detections := Analyze("SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5", 22)
	require.NotEmpty(t, detections)

	top := detections[0]
	assert.Equal(t, ServiceSSH, top.Service)
	assert.GreaterOrEqual(t, top.Confidence, 0.9)
	assert.Equal(t, "8.2", top.Version)
	assert.Equal(t, "2.0", top.Info["ssh_version"])
	assert.Equal(t, "OpenSSH_8.2p1", top.Info["software"])
}

func TestAnalyzeWebServers(t *testing.T) {
	tests := []struct {
		name    string
		banner  string
		port    int
		service Service
		minConf float64
	}{
		{"apache", "HTTP/1.1 200 OK Server: Apache/2.4.41 (Ubuntu)", 80, ServiceHTTP, 0.9},
		{"nginx", "HTTP/1.1 200 OK Server: nginx/1.18.0", 8080, ServiceHTTP, 0.9},
		{"iis", "HTTP/1.1 200 OK Server: Microsoft-IIS/10.0", 80, ServiceHTTP, 0.9},
		{"lighttpd", "Server: lighttpd/1.4.55", 80, ServiceHTTP, 0.8},
		{"postfix", "220 mail.example.com ESMTP Postfix", 25, ServiceSMTP, 0.9},
		{"vsftpd", "220 (vsFTPd 3.0.3)", 21, ServiceFTP, 0.9},
		{"mysql", "5.7.33-0ubuntu0.16.04.1 mysql_native_password", 3306, ServiceMySQL, 0.9},
		{"redis", "-ERR unknown command, this is Redis", 6379, ServiceRedis, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detections := Analyze(tt.banner, tt.port)
			require.NotEmpty(t, detections)
			assert.Equal(t, tt.service, detections[0].Service)
			assert.GreaterOrEqual(t, detections[0].Confidence, tt.minConf)
		})
	}
}

func TestAnalyzeVersionExtraction(t *testing.T) {
	detections := Analyze("HTTP/1.1 200 OK Server: Apache/2.4.41", 80)
	require.NotEmpty(t, detections)
	assert.Equal(t, "2.4.41", detections[0].Version)
	assert.Equal(t, "Apache/2.4.41", detections[0].Info["server"])
}

func TestAnalyzeEmptyBanner(t *testing.T) {
	for _, banner := range []string{"", "   ", "\r\n"} {
		detections := Analyze(banner, 80)
		require.Len(t, detections, 1)
		assert.Equal(t, ServiceUnknown, detections[0].Service)
		assert.Zero(t, detections[0].Confidence)
	}
}

func TestAnalyzeGenericFallbacks(t *testing.T) {
	// SSL indicator with no named product.
	detections := Analyze("encrypted channel ready", 25)
	require.NotEmpty(t, detections)
	assert.Equal(t, ServiceHTTPS, detections[0].Service)
	assert.Equal(t, 0.5, detections[0].Confidence)

	// Web indicator with no named product.
	detections = Analyze("welcome to www portal", 8081)
	require.NotEmpty(t, detections)
	assert.Equal(t, ServiceHTTP, detections[0].Service)
	assert.Equal(t, 0.5, detections[0].Confidence)

	// Nothing recognizable.
	detections = Analyze("220 hello", 9999)
	require.NotEmpty(t, detections)
	assert.Equal(t, ServiceUnknown, detections[0].Service)
}

func TestAnalyzeHTTPOn443ImpliesHTTPS(t *testing.T) {
	detections := Analyze("HTTP/1.1 200 OK Server: nginx", 443)
	foundHTTPS := false
	for _, d := range detections {
		if d.Service == ServiceHTTPS && d.Confidence >= 0.9 {
			foundHTTPS = true
		}
	}
	assert.True(t, foundHTTPS)
}

func TestAnalyzeConfidenceCap(t *testing.T) {
	// ssh-2.0 (0.95) on its canonical port would exceed 1.0 uncapped.
	detections := Analyze("SSH-2.0-OpenSSH_8.2p1", 22)
	for _, d := range detections {
		assert.LessOrEqual(t, d.Confidence, 1.0)
	}
}

func TestAnalyzeSortedByConfidence(t *testing.T) {
	detections := Analyze("HTTP/1.1 200 OK Server: Apache/2.4.41 ssl secure", 443)
	for i := 1; i < len(detections); i++ {
		assert.GreaterOrEqual(t, detections[i-1].Confidence, detections[i].Confidence)
	}
}

func TestShouldQueueSSLCert(t *testing.T) {
	assert.True(t, ShouldQueueSSLCert([]Detection{{Service: ServiceHTTPS, Confidence: 0.8}}))
	assert.False(t, ShouldQueueSSLCert([]Detection{{Service: ServiceSSH, Confidence: 0.9}}))
	assert.True(t, ShouldQueueSSLCert([]Detection{{
		Service:    ServiceSMTP,
		Confidence: 0.8,
		Info:       map[string]string{"server": "Postfix with STARTTLS"},
	}}))
}

func TestShouldQueueDomainEnum(t *testing.T) {
	assert.True(t, ShouldQueueDomainEnum([]Detection{{Service: ServiceHTTP}}))
	assert.True(t, ShouldQueueDomainEnum([]Detection{{Service: ServiceHTTPS}}))
	assert.False(t, ShouldQueueDomainEnum([]Detection{{Service: ServiceMySQL}}))
}

func TestFollowupPriority(t *testing.T) {
	assert.Equal(t, 9, FollowupPriority([]Detection{
		{Service: ServiceSSH, Confidence: 0.95},
		{Service: ServiceHTTP, Confidence: 0.5},
	}))
	assert.Equal(t, 5, FollowupPriority([]Detection{{Service: ServiceHTTP, Confidence: 0.5}}))
	assert.Equal(t, 0, FollowupPriority([]Detection{{Service: ServiceUnknown, Confidence: 0}}))
	assert.Equal(t, 0, FollowupPriority(nil))
}

func TestCleanBanner(t *testing.T) {
	assert.Equal(t, "a b c", cleanBanner("a\r\nb\n  c  "))

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	got := cleanBanner(string(long))
	assert.Len(t, []rune(got), maxBannerLen+1)
	assert.Equal(t, "…", string([]rune(got)[maxBannerLen]))
}
