package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/icarostangent/Fauxdan/pkg/log"
)

const (
	// DefaultRequestTimeout bounds each provider request.
	DefaultRequestTimeout = 10 * time.Second

	// PositiveTTL is how long a successful lookup stays cached.
	PositiveTTL = 24 * time.Hour

	// NegativeTTL is how long an all-providers-failed result stays
	// cached so broken IPs are not retried on every discovery.
	NegativeTTL = time.Hour

	cacheSize = 8192
)

// Location is the geolocation data for one IP address.
type Location struct {
	IP          string
	Country     string
	CountryCode string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	Timezone    string
	ISP         string
	Org         string
	ASN         string
	Provider    string
}

// ErrPrivateIP is returned for addresses that can never be geolocated.
var ErrPrivateIP = fmt.Errorf("private or non-routable address")

type provider struct {
	name   string
	lookup func(ctx context.Context, c *http.Client, baseURL, ip string) (*Location, error)
}

// cacheEntry distinguishes cached successes from cached failures; the
// two carry different TTLs, approximated by stamping an expiry.
type cacheEntry struct {
	loc     *Location
	expires time.Time
}

// Service resolves IP addresses to locations using a chain of free
// providers with an in-process cache in front.
type Service struct {
	client    *http.Client
	cache     *lru.LRU[string, cacheEntry]
	providers []provider
	logger    zerolog.Logger

	// Base URLs, overridable in tests.
	IPAPIBase         string
	IPInfoBase        string
	FreeIPAPIBase     string
	IPGeolocationBase string
}

// NewService creates a geolocation service with the default provider
// chain: ip-api.com, ipinfo.io, freeipapi.com, ipgeolocation.io.
func NewService() *Service {
	s := &Service{
		client:            &http.Client{Timeout: DefaultRequestTimeout},
		cache:             lru.NewLRU[string, cacheEntry](cacheSize, nil, PositiveTTL),
		logger:            log.WithComponent("geo"),
		IPAPIBase:         "http://ip-api.com",
		IPInfoBase:        "https://ipinfo.io",
		FreeIPAPIBase:     "https://freeipapi.com",
		IPGeolocationBase: "https://api.ipgeolocation.io",
	}
	s.providers = []provider{
		{"ip-api.com", lookupIPAPI},
		{"ipinfo.io", lookupIPInfo},
		{"freeipapi.com", lookupFreeIPAPI},
		{"ipgeolocation.io", lookupIPGeolocation},
	}
	return s
}

// Lookup returns the location for ip, trying providers in order until
// one succeeds. Results, including failures, are cached. Private and
// otherwise non-routable addresses return ErrPrivateIP without touching
// any provider.
func (s *Service) Lookup(ctx context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address %q", ip)
	}
	if IsPrivate(parsed) {
		return nil, ErrPrivateIP
	}

	if entry, ok := s.cache.Get(ip); ok && time.Now().Before(entry.expires) {
		if entry.loc == nil {
			return nil, fmt.Errorf("geolocation for %s failed recently, cached negative", ip)
		}
		return entry.loc, nil
	}

	for _, p := range s.providers {
		loc, err := p.lookup(ctx, s.client, s.baseFor(p.name), ip)
		if err != nil {
			s.logger.Debug().Err(err).Str("provider", p.name).Str("ip", ip).Msg("Provider lookup failed")
			continue
		}
		loc.IP = ip
		loc.Provider = p.name
		s.cache.Add(ip, cacheEntry{loc: loc, expires: time.Now().Add(PositiveTTL)})
		return loc, nil
	}

	s.cache.Add(ip, cacheEntry{expires: time.Now().Add(NegativeTTL)})
	return nil, fmt.Errorf("all geolocation providers failed for %s", ip)
}

func (s *Service) baseFor(name string) string {
	switch name {
	case "ip-api.com":
		return s.IPAPIBase
	case "ipinfo.io":
		return s.IPInfoBase
	case "freeipapi.com":
		return s.FreeIPAPIBase
	default:
		return s.IPGeolocationBase
	}
}

// IsPrivate reports whether the address is private, loopback,
// link-local, or otherwise not publicly routable.
func IsPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified()
}

func getJSON(ctx context.Context, c *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func lookupIPAPI(ctx context.Context, c *http.Client, base, ip string) (*Location, error) {
	var data struct {
		Status      string  `json:"status"`
		Message     string  `json:"message"`
		Country     string  `json:"country"`
		CountryCode string  `json:"countryCode"`
		RegionName  string  `json:"regionName"`
		City        string  `json:"city"`
		Lat         float64 `json:"lat"`
		Lon         float64 `json:"lon"`
		Timezone    string  `json:"timezone"`
		ISP         string  `json:"isp"`
		Org         string  `json:"org"`
		AS          string  `json:"as"`
	}
	url := fmt.Sprintf("%s/json/%s?fields=status,message,country,countryCode,region,regionName,city,lat,lon,timezone,isp,org,as,query", base, ip)
	if err := getJSON(ctx, c, url, &data); err != nil {
		return nil, err
	}
	if data.Status != "success" {
		return nil, fmt.Errorf("ip-api.com: %s", data.Message)
	}
	return &Location{
		Country:     data.Country,
		CountryCode: data.CountryCode,
		Region:      data.RegionName,
		City:        data.City,
		Latitude:    data.Lat,
		Longitude:   data.Lon,
		Timezone:    data.Timezone,
		ISP:         data.ISP,
		Org:         data.Org,
		ASN:         data.AS,
	}, nil
}

func lookupIPInfo(ctx context.Context, c *http.Client, base, ip string) (*Location, error) {
	var data struct {
		Country  string `json:"country"`
		Region   string `json:"region"`
		City     string `json:"city"`
		Loc      string `json:"loc"`
		Timezone string `json:"timezone"`
		Org      string `json:"org"`
		Error    *struct {
			Title string `json:"title"`
		} `json:"error"`
	}
	if err := getJSON(ctx, c, fmt.Sprintf("%s/%s/json", base, ip), &data); err != nil {
		return nil, err
	}
	if data.Error != nil {
		return nil, fmt.Errorf("ipinfo.io: %s", data.Error.Title)
	}
	loc := &Location{
		Country:  data.Country,
		Region:   data.Region,
		City:     data.City,
		Timezone: data.Timezone,
		ISP:      data.Org,
		Org:      data.Org,
	}
	if parts := strings.SplitN(data.Loc, ",", 2); len(parts) == 2 {
		loc.Latitude, _ = strconv.ParseFloat(parts[0], 64)
		loc.Longitude, _ = strconv.ParseFloat(parts[1], 64)
	}
	return loc, nil
}

func lookupFreeIPAPI(ctx context.Context, c *http.Client, base, ip string) (*Location, error) {
	var data struct {
		CountryName string  `json:"countryName"`
		CountryCode string  `json:"countryCode"`
		RegionName  string  `json:"regionName"`
		CityName    string  `json:"cityName"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		TimeZone    string  `json:"timeZone"`
	}
	if err := getJSON(ctx, c, fmt.Sprintf("%s/api/json/%s", base, ip), &data); err != nil {
		return nil, err
	}
	return &Location{
		Country:     data.CountryName,
		CountryCode: data.CountryCode,
		Region:      data.RegionName,
		City:        data.CityName,
		Latitude:    data.Latitude,
		Longitude:   data.Longitude,
		Timezone:    data.TimeZone,
	}, nil
}

func lookupIPGeolocation(ctx context.Context, c *http.Client, base, ip string) (*Location, error) {
	var data struct {
		Message      string `json:"message"`
		CountryName  string `json:"country_name"`
		CountryCode2 string `json:"country_code2"`
		StateProv    string `json:"state_prov"`
		City         string `json:"city"`
		Latitude     string `json:"latitude"`
		Longitude    string `json:"longitude"`
		ISP          string `json:"isp"`
		Organization string `json:"organization"`
		TimeZone     struct {
			Name string `json:"name"`
		} `json:"time_zone"`
	}
	if err := getJSON(ctx, c, fmt.Sprintf("%s/ipgeo?ip=%s", base, ip), &data); err != nil {
		return nil, err
	}
	if data.Message != "" {
		return nil, fmt.Errorf("ipgeolocation.io: %s", data.Message)
	}
	loc := &Location{
		Country:     data.CountryName,
		CountryCode: data.CountryCode2,
		Region:      data.StateProv,
		City:        data.City,
		Timezone:    data.TimeZone.Name,
		ISP:         data.ISP,
		Org:         data.Organization,
	}
	loc.Latitude, _ = strconv.ParseFloat(data.Latitude, 64)
	loc.Longitude, _ = strconv.ParseFloat(data.Longitude, 64)
	return loc, nil
}
