package banner

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listen starts a TCP listener that writes payload to every connection.
func listen(t *testing.T, payload string) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte(payload))
			time.Sleep(50 * time.Millisecond)
			conn.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// testGrabber skips the nmap path so tests never depend on an installed
// binary.
func testGrabber() *Grabber {
	return &Grabber{
		NmapPath:      "/nonexistent/nmap",
		NmapTimeout:   time.Second,
		SocketTimeout: time.Second,
	}
}

func TestGrabSocketGreeting(t *testing.T) {
	host, port := listen(t, "SSH-2.0-OpenSSH_8.2p1 Ubuntu\r\n")

	banner := testGrabber().Grab(context.Background(), host, port, "tcp")
	assert.Equal(t, "SSH-2.0-OpenSSH_8.2p1 Ubuntu", banner)
}

func TestGrabNormalizesWhitespace(t *testing.T) {
	host, port := listen(t, "220  mail.example.com\r\nESMTP   Postfix\r\n")

	banner := testGrabber().Grab(context.Background(), host, port, "tcp")
	assert.Equal(t, "220 mail.example.com ESMTP Postfix", banner)
}

func TestGrabUDPUnsupported(t *testing.T) {
	banner := testGrabber().Grab(context.Background(), "127.0.0.1", 53, "udp")
	assert.Empty(t, banner)
}

func TestGrabConnectionRefused(t *testing.T) {
	// Port from a closed listener; nothing is listening anymore.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	banner := testGrabber().Grab(context.Background(), host, port, "tcp")
	assert.Empty(t, banner)
}

func TestGrabSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Hold the connection open without writing.
			time.Sleep(2 * time.Second)
			conn.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	g := testGrabber()
	g.SocketTimeout = 200 * time.Millisecond
	banner := g.Grab(context.Background(), host, port, "tcp")
	assert.Empty(t, banner)
}

func TestCleanBannerTruncatesOnRuneBoundary(t *testing.T) {
	// "aé" is 3 bytes, so the cutoff lands mid-rune.
	long := strings.Repeat("aé", maxBannerLen)
	got := cleanBanner(long)

	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len(got), maxBannerLen+len("…"))
}

func TestCleanBannerShortUntouched(t *testing.T) {
	assert.Equal(t, "nginx/1.18.0", cleanBanner("nginx/1.18.0"))
}
