package geo

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestService points every provider at an unroutable base so nothing
// leaks to the real APIs; tests override individual bases.
func newTestService() *Service {
	s := NewService()
	dead := "http://127.0.0.1:1"
	s.IPAPIBase = dead
	s.IPInfoBase = dead
	s.FreeIPAPIBase = dead
	s.IPGeolocationBase = dead
	return s
}

func TestLookupPrivateIP(t *testing.T) {
	s := newTestService()
	for _, ip := range []string{"192.168.1.10", "10.0.0.1", "172.16.5.5", "127.0.0.1", "169.254.1.1"} {
		_, err := s.Lookup(context.Background(), ip)
		assert.ErrorIs(t, err, ErrPrivateIP, ip)
	}
}

func TestLookupInvalidIP(t *testing.T) {
	s := newTestService()
	_, err := s.Lookup(context.Background(), "not-an-ip")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPrivateIP)
}

func TestLookupFirstProviderWins(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"success","country":"Germany","countryCode":"DE","regionName":"Berlin","city":"Berlin","lat":52.52,"lon":13.405,"timezone":"Europe/Berlin","isp":"Example ISP","org":"Example Org","as":"AS64496 Example"}`))
	}))
	defer srv.Close()

	s := newTestService()
	s.IPAPIBase = srv.URL

	loc, err := s.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "Germany", loc.Country)
	assert.Equal(t, "DE", loc.CountryCode)
	assert.Equal(t, 52.52, loc.Latitude)
	assert.Equal(t, "ip-api.com", loc.Provider)
	assert.Equal(t, "203.0.113.7", loc.IP)

	// Second lookup is served from cache.
	_, err = s.Lookup(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupFallsBackToNextProvider(t *testing.T) {
	// First provider replies but reports failure.
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer failing.Close()

	// Second provider succeeds.
	working := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"country":"NL","region":"North Holland","city":"Amsterdam","loc":"52.3740,4.8897","timezone":"Europe/Amsterdam","org":"AS64496 Example"}`))
	}))
	defer working.Close()

	s := newTestService()
	s.IPAPIBase = failing.URL
	s.IPInfoBase = working.URL

	loc, err := s.Lookup(context.Background(), "203.0.113.8")
	require.NoError(t, err)
	assert.Equal(t, "ipinfo.io", loc.Provider)
	assert.Equal(t, "Amsterdam", loc.City)
	assert.Equal(t, 52.3740, loc.Latitude)
	assert.Equal(t, 4.8897, loc.Longitude)
}

func TestLookupAllProvidersFailCachesNegative(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := newTestService()
	s.IPAPIBase = srv.URL

	_, err := s.Lookup(context.Background(), "203.0.113.9")
	require.Error(t, err)
	first := calls.Load()

	// Negative result is cached; no provider is called again.
	_, err = s.Lookup(context.Background(), "203.0.113.9")
	require.Error(t, err)
	assert.Equal(t, first, calls.Load())
}

func TestIsPrivate(t *testing.T) {
	assert.True(t, IsPrivate(net.ParseIP("10.1.2.3")))
	assert.True(t, IsPrivate(net.ParseIP("0.0.0.0")))
	assert.True(t, IsPrivate(net.ParseIP("224.0.0.1")))
	assert.False(t, IsPrivate(net.ParseIP("8.8.8.8")))
	assert.False(t, IsPrivate(net.ParseIP("203.0.113.1")))
}
