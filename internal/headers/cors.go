package headers

import (
	"net/http"
	"strings"

	"edgeguard/edge-service/internal/config"
)

// CORS answers cross-origin requests from an exact-match allow list.
// Credentials are allowed, so the origin is echoed and never "*".
type CORS struct {
	allowed map[string]struct{}
	methods string
	headers string
	exposed string
}

func NewCORS(cfg config.CORSCfg) *CORS {
	c := &CORS{
		allowed: make(map[string]struct{}, len(cfg.AllowedOrigins)),
		methods: strings.Join(cfg.AllowedMethods, ", "),
		headers: strings.Join(cfg.AllowedHeaders, ", "),
		exposed: strings.Join(cfg.ExposedHeaders, ", "),
	}
	for _, o := range cfg.AllowedOrigins {
		if o != "" {
			c.allowed[o] = struct{}{}
		}
	}
	return c
}

func (c *CORS) Allowed(origin string) bool {
	_, ok := c.allowed[origin]
	return ok
}

// Headers returns the CORS headers for origin. Vary: Origin is always
// present so caches keep per-origin variants apart.
func (c *CORS) Headers(origin string) http.Header {
	h := http.Header{}
	h.Set("Vary", "Origin")
	if origin == "" || !c.Allowed(origin) {
		return h
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", c.methods)
	h.Set("Access-Control-Allow-Headers", c.headers)
	h.Set("Access-Control-Allow-Credentials", "true")
	if c.exposed != "" {
		h.Set("Access-Control-Expose-Headers", c.exposed)
	}
	h.Set("Timing-Allow-Origin", origin)
	return h
}
