package ruleengine

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"
)

// CountryAccessFilter struct
type CountryAccessFilter struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	CountryList []string          `json:"country_list" yaml:"country_list"`
	GeoIPDBPath string            `json:"geoip_db_path" yaml:"geoip_db_path"`
	geoIP       *maxminddb.Reader `json:"-"` // Explicitly mark as not serialized
}

// GeoIPRecord struct
type GeoIPRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

type geoIPCacheEntry struct {
	code    string
	expires time.Time
}

// GeoIPHandler resolves client addresses to ISO country codes.
type GeoIPHandler struct {
	logger *zap.Logger

	mu                          sync.RWMutex
	geoIPCache                  map[string]geoIPCacheEntry
	geoIPCacheTTL               time.Duration
	geoIPLookupFallbackBehavior string
}

// NewGeoIPHandler creates a handler. A nil logger discards logs.
func NewGeoIPHandler(logger *zap.Logger) *GeoIPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeoIPHandler{logger: logger}
}

// WithGeoIPCache enables caching of lookups for ttl.
func (h *GeoIPHandler) WithGeoIPCache(ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.geoIPCacheTTL = ttl
	h.geoIPCache = make(map[string]geoIPCacheEntry)
}

// WithGeoIPLookupFallbackBehavior sets what a failed lookup resolves to:
// "" or "default" report the error, "none" treats the address as matching
// no country, and a two letter code treats it as that country.
func (h *GeoIPHandler) WithGeoIPLookupFallbackBehavior(behavior string) {
	h.geoIPLookupFallbackBehavior = behavior
}

// LoadGeoIPDatabase opens a MaxMind database.
func (h *GeoIPHandler) LoadGeoIPDatabase(path string) (*maxminddb.Reader, error) {
	if path == "" {
		return nil, fmt.Errorf("geoip: %w", ErrEmptyPath)
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	h.logger.Info("GeoIP database loaded", zap.String("path", path))
	return reader, nil
}

// IsCountryInList reports whether remoteAddr is located in one of
// countryList.
func (h *GeoIPHandler) IsCountryInList(remoteAddr string, countryList []string, geoIP *maxminddb.Reader) (bool, error) {
	code, err := h.lookup(remoteAddr, geoIP)
	if err != nil {
		switch fb := h.geoIPLookupFallbackBehavior; {
		case fb == "none":
			return false, nil
		case len(fb) == 2:
			code = fb
		default:
			return false, err
		}
	}

	for _, c := range countryList {
		if strings.EqualFold(c, code) {
			return true, nil
		}
	}
	return false, nil
}

// GetCountryCode returns the country of remoteAddr, or "N/A".
func (h *GeoIPHandler) GetCountryCode(remoteAddr string, geoIP *maxminddb.Reader) string {
	code, err := h.lookup(remoteAddr, geoIP)
	if err != nil {
		return "N/A"
	}
	return code
}

func (h *GeoIPHandler) lookup(remoteAddr string, geoIP *maxminddb.Reader) (string, error) {
	if geoIP == nil {
		return "", errors.New("geoip: database not loaded")
	}

	ip := net.ParseIP(extractIP(remoteAddr))
	if ip == nil {
		return "", fmt.Errorf("geoip: invalid IP address %q", remoteAddr)
	}
	key := ip.String()

	h.mu.RLock()
	if h.geoIPCache != nil {
		if entry, ok := h.geoIPCache[key]; ok && time.Now().Before(entry.expires) {
			h.mu.RUnlock()
			return entry.code, nil
		}
	}
	h.mu.RUnlock()

	var record GeoIPRecord
	if err := geoIP.Lookup(ip, &record); err != nil {
		h.logger.Debug("GeoIP lookup failed", zap.String("ip", key), zap.Error(err))
		return "", fmt.Errorf("geoip: lookup %s: %w", key, err)
	}
	code := record.Country.ISOCode

	h.mu.Lock()
	if h.geoIPCache != nil {
		h.geoIPCache[key] = geoIPCacheEntry{code: code, expires: time.Now().Add(h.geoIPCacheTTL)}
	}
	h.mu.Unlock()

	return code, nil
}
