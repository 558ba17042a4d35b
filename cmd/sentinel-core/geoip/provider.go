// Package geoip attaches country/city/coordinates/ISP attribution to a
// source address (spec §4.2). It is adapted from the teacher's
// cmd/sge-enrichment/geoip.Provider shape (cache-or-call, never raise),
// with the MaxMind local-database lookup replaced by the external HTTP
// lookup endpoint spec §4.2 and §6 call for.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/trapline/sentinelcore/pkg/database"
	"github.com/trapline/sentinelcore/pkg/models"
)

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("geoip: invalid private range literal %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// isPrivate reports whether ipStr falls in one of the RFC1918/loopback
// ranges spec §4.2 names.
func isPrivate(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// lookupResult is the shape returned by the configured lookup endpoint.
// Field names follow the common ip-geolocation JSON API convention the
// original Python honeypot queried against.
type lookupResult struct {
	CountryName string   `json:"country_name"`
	City        string   `json:"city"`
	Region      string   `json:"region"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Timezone    string   `json:"timezone"`
	Org         string   `json:"org"`
}

// Provider resolves GeoIP attribution with an in-memory cache in front of
// a bounded external HTTP lookup. Redis, when configured, backs the cache
// with a persistent write-through layer so a process restart doesn't
// refetch addresses seen in a prior run; it is optional and the provider
// degrades to memory-only caching when absent.
type Provider struct {
	lookupURL string
	timeout   time.Duration
	client    *http.Client
	redis     *database.RedisClient

	mu    sync.RWMutex
	cache map[string]models.Geo
}

func NewProvider(lookupURL string, timeout time.Duration, rdb *database.RedisClient) *Provider {
	return &Provider{
		lookupURL: lookupURL,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		redis:     rdb,
		cache:     make(map[string]models.Geo),
	}
}

// Lookup returns attribution for ipStr. It never returns an error: on any
// failure it returns the "Unknown" tuple, which is also cached so a
// transient failure does not amplify into repeated external calls.
func (p *Provider) Lookup(ctx context.Context, ipStr string) models.Geo {
	if isPrivate(ipStr) {
		return models.PrivateGeo()
	}

	if geo, ok := p.fromMemory(ipStr); ok {
		return geo
	}

	if geo, ok := p.fromRedis(ctx, ipStr); ok {
		p.storeMemory(ipStr, geo)
		return geo
	}

	geo := p.fetch(ctx, ipStr)
	p.storeMemory(ipStr, geo)
	p.storeRedis(ctx, ipStr, geo)
	return geo
}

func (p *Provider) fromMemory(ip string) (models.Geo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	geo, ok := p.cache[ip]
	return geo, ok
}

func (p *Provider) storeMemory(ip string, geo models.Geo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[ip] = geo
}

func (p *Provider) fromRedis(ctx context.Context, ip string) (models.Geo, bool) {
	if p.redis == nil {
		return models.Geo{}, false
	}
	val, err := p.redis.GetCachedGeoIP(ctx, ip)
	if err != nil || val == "" {
		return models.Geo{}, false
	}
	var geo models.Geo
	if err := json.Unmarshal([]byte(val), &geo); err != nil {
		return models.Geo{}, false
	}
	return geo, true
}

func (p *Provider) storeRedis(ctx context.Context, ip string, geo models.Geo) {
	if p.redis == nil {
		return
	}
	raw, err := json.Marshal(geo)
	if err != nil {
		return
	}
	// Best-effort; a cache-write failure must never fail enrichment.
	if err := p.redis.CacheGeoIP(ctx, ip, string(raw), 24*time.Hour); err != nil {
		log.Printf("[GeoIP] redis cache write failed for %s: %v", ip, err)
	}
}

func (p *Provider) fetch(ctx context.Context, ip string) models.Geo {
	if p.lookupURL == "" {
		return models.UnknownGeo()
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := p.lookupURL + "/" + ip + "/json/"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return models.UnknownGeo()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[GeoIP] lookup error for %s: %v", ip, err)
		return models.UnknownGeo()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[GeoIP] lookup for %s returned status %d", ip, resp.StatusCode)
		return models.UnknownGeo()
	}

	var parsed lookupResult
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.Printf("[GeoIP] lookup response parse error for %s: %v", ip, err)
		return models.UnknownGeo()
	}

	geo := models.Geo{
		Country:   orUnknown(parsed.CountryName),
		City:      orUnknown(parsed.City),
		Region:    orUnknown(parsed.Region),
		Latitude:  parsed.Latitude,
		Longitude: parsed.Longitude,
		Timezone:  orUnknown(parsed.Timezone),
		ISP:       orUnknown(parsed.Org),
		Org:       orUnknown(parsed.Org),
	}
	return geo
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
