package geoip

import (
	"log"
	"net"

	"github.com/ydkmlt84/tracearr/internal/models"
)

// GeoCache is the store-backed lookup cache (ip_geo_cache table).
type GeoCache interface {
	GetCachedGeo(ip string) (*models.GeoResult, error)
	SetCachedGeo(geo *models.GeoResult) error
}

// CachedResolver fronts a Resolver with the persistent IP cache, so the
// poller and push processor share one resolution path and one TTL policy.
// Private/loopback addresses resolve to nil here exactly as in the Resolver;
// the core never derives a "Local Network" placeholder of its own.
type CachedResolver struct {
	resolver *Resolver
	cache    GeoCache
}

func NewCachedResolver(resolver *Resolver, cache GeoCache) *CachedResolver {
	return &CachedResolver{resolver: resolver, cache: cache}
}

// Resolve returns the geo fix for ipStr, consulting the cache first. A miss
// that resolves is written back; unresolvable addresses return nil.
func (c *CachedResolver) Resolve(ipStr string) *models.GeoResult {
	if ipStr == "" {
		return nil
	}
	if c.cache != nil {
		if cached, err := c.cache.GetCachedGeo(ipStr); err != nil {
			log.Printf("geoip: reading cache for %s: %v", ipStr, err)
		} else if cached != nil {
			return cached
		}
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil
	}
	result := c.resolver.Lookup(ip)
	if result == nil {
		return nil
	}
	if c.cache != nil {
		if err := c.cache.SetCachedGeo(result); err != nil {
			log.Printf("geoip: caching %s: %v", ipStr, err)
		}
	}
	return result
}
