package headers

import (
	"net/http"
	"strconv"
	"strings"

	"edgeguard/edge-service/internal/config"
)

const apiCacheControl = "no-store, no-cache, must-revalidate, proxy-revalidate"

// RouteClass groups paths by the caching and rate-limit treatment they get.
type RouteClass int

const (
	RoutePage RouteClass = iota
	RouteStatic
	RouteAPI
)

func (c RouteClass) String() string {
	switch c {
	case RouteStatic:
		return "static"
	case RouteAPI:
		return "api"
	default:
		return "page"
	}
}

// CachePolicy classifies paths and picks their Cache-Control headers.
type CachePolicy struct {
	static      []string
	api         []string
	staticValue string
}

func NewCachePolicy(routes config.RoutesCfg, cache config.CacheCfg) *CachePolicy {
	return &CachePolicy{
		static:      nonEmpty(routes.StaticPrefixes),
		api:         nonEmpty(routes.APIPrefixes),
		staticValue: "public, max-age=" + strconv.Itoa(cache.StaticMaxAgeSec),
	}
}

// Classify checks static prefixes first, then API prefixes.
func (p *CachePolicy) Classify(path string) RouteClass {
	if hasAnyPrefix(path, p.static) {
		return RouteStatic
	}
	if hasAnyPrefix(path, p.api) {
		return RouteAPI
	}
	return RoutePage
}

// Headers returns the cache headers for path, or an empty set for pages so
// the upstream default applies.
func (p *CachePolicy) Headers(path string) http.Header {
	h := http.Header{}
	switch p.Classify(path) {
	case RouteStatic:
		h.Set("Cache-Control", p.staticValue)
	case RouteAPI:
		h.Set("Cache-Control", apiCacheControl)
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")
	}
	return h
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
