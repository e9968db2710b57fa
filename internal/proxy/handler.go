package proxy

import (
	"container/list"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/headers"
	internalhttp "edgeguard/edge-service/internal/httputil"
	"edgeguard/edge-service/internal/metrics"
	"edgeguard/edge-service/internal/pipeline"

	"github.com/rs/zerolog/log"
)

const (
	maxProxyCacheSize = 100               // Maximum number of cached reverse proxies
	maxProxyBodySize  = 100 * 1024 * 1024 // 100MB max for proxied request bodies
	proxyCacheTTL     = 5 * time.Minute   // TTL for cached proxies (DNS change handling)
)

// cachedProxy wraps a reverse proxy with metadata
type cachedProxy struct {
	proxy      *httputil.ReverseProxy
	createdAt  time.Time
	originURL  string
	lruElement *list.Element
}

// Handler forwards requests that passed the pipeline to their origin.
type Handler struct {
	cfg        *config.Config
	proxies    map[string]*cachedProxy
	proxiesLRU *list.List
	proxiesMu  sync.Mutex
}

func NewHandler(cfg *config.Config) *Handler {
	return &Handler{
		cfg:        cfg,
		proxies:    make(map[string]*cachedProxy),
		proxiesLRU: list.New(),
	}
}

// Configured reports whether any origin is set.
func (h *Handler) Configured() bool {
	return h.cfg.Upstream.Origin != "" || len(h.cfg.Upstream.Routes) > 0
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := h.matchRoute(r)
	if origin == "" {
		internalhttp.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	h.proxyToOrigin(w, r, origin)
}

// matchRoute tries path routes in order, then the default origin.
func (h *Handler) matchRoute(r *http.Request) string {
	for _, route := range h.cfg.Upstream.Routes {
		if route.PathRe != nil && route.PathRe.MatchString(r.URL.Path) {
			return route.Origin
		}
	}
	return h.cfg.Upstream.Origin
}

func (h *Handler) proxyToOrigin(w http.ResponseWriter, r *http.Request, originURL string) {
	proxy := h.getOrCreateProxy(originURL)
	if proxy == nil {
		internalhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)

	// Prevent request smuggling - detect suspicious header combinations
	if r.Header.Get("Content-Length") != "" && r.Header.Get("Transfer-Encoding") != "" {
		internalhttp.GetLogger(r.Context()).Warn().
			Msg("request smuggling attempt detected: both Content-Length and Transfer-Encoding present")
		r.Header.Del("Content-Length")
	}

	// Forwarding headers from untrusted peers are dropped; the reverse
	// proxy appends the peer address to X-Forwarded-For itself.
	if !internalhttp.IsTrustedPeer(r, h.cfg.Server.TrustedProxies) {
		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Forwarded-Proto")
		r.Header.Del("X-Forwarded-Host")
	}

	start := time.Now()
	proxy.ServeHTTP(w, r)
	metrics.ProxyLatency.WithLabelValues(originURL).Observe(time.Since(start).Seconds())
}

func (h *Handler) getOrCreateProxy(originURL string) *httputil.ReverseProxy {
	h.proxiesMu.Lock()
	defer h.proxiesMu.Unlock()

	if cp, ok := h.proxies[originURL]; ok {
		if time.Since(cp.createdAt) < proxyCacheTTL {
			h.proxiesLRU.MoveToFront(cp.lruElement)
			metrics.ProxyCacheOps.WithLabelValues("hit").Inc()
			return cp.proxy
		}
		closeIdle(cp.proxy)
		h.proxiesLRU.Remove(cp.lruElement)
		delete(h.proxies, originURL)
		metrics.ProxyCacheOps.WithLabelValues("expiration").Inc()
	}
	metrics.ProxyCacheOps.WithLabelValues("miss").Inc()

	target, err := url.Parse(originURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		log.Error().Str("origin", originURL).Err(err).Msg("invalid origin URL")
		return nil
	}
	proxy := h.newReverseProxy(target, originURL)

	if len(h.proxies) >= maxProxyCacheSize {
		if back := h.proxiesLRU.Back(); back != nil {
			evict := back.Value.(*cachedProxy)
			closeIdle(evict.proxy)
			delete(h.proxies, evict.originURL)
			h.proxiesLRU.Remove(back)
			metrics.ProxyCacheOps.WithLabelValues("eviction").Inc()
		}
	}
	cp := &cachedProxy{proxy: proxy, createdAt: time.Now(), originURL: originURL}
	cp.lruElement = h.proxiesLRU.PushFront(cp)
	h.proxies[originURL] = cp
	return proxy
}

func (h *Handler) newReverseProxy(target *url.URL, originURL string) *httputil.ReverseProxy {
	up := h.cfg.Upstream
	proxy := httputil.NewSingleHostReverseProxy(target)

	timeout := time.Duration(up.TimeoutMs) * time.Millisecond
	proxy.Transport = &http.Transport{
		MaxIdleConns:          up.MaxIdleConns,
		MaxIdleConnsPerHost:   up.MaxIdleConnsPerHost,
		MaxConnsPerHost:       up.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(up.IdleTimeoutMs) * time.Millisecond,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		originalDirector(req)
		if requestID := internalhttp.GetRequestID(req.Context()); requestID != "" {
			req.Header.Set("X-Request-ID", requestID)
		}
		if req.Header.Get("X-Forwarded-Proto") == "" {
			req.Header.Set("X-Forwarded-Proto", getScheme(req))
		}
		if req.Header.Get("X-Forwarded-Host") == "" {
			req.Header.Set("X-Forwarded-Host", host)
		}
	}

	// The pipeline already put its header set on the response writer; the
	// upstream copy of those keys is dropped so each key has one value.
	proxy.ModifyResponse = func(resp *http.Response) error {
		var edge http.Header
		if resp.Request != nil {
			edge = pipeline.HeadersFrom(resp.Request.Context())
		}
		headers.StripOverlap(resp.Header, edge)
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger := internalhttp.GetLogger(r.Context())

		// Client disconnected - don't log as error
		if errors.Is(err, context.Canceled) {
			logger.Debug().Str("origin", originURL).Str("error_type", "context").Msg("proxy request canceled")
			metrics.ProxyErrors.WithLabelValues(originURL, "context").Inc()
			return
		}

		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			logger.Warn().Str("origin", originURL).Str("error_type", "timeout").Err(err).Msg("proxy timeout")
			metrics.ProxyErrors.WithLabelValues(originURL, "timeout").Inc()
			internalhttp.WriteJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "gateway_timeout"})
			return
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			logger.Error().Str("origin", originURL).Str("error_type", "dns").Err(err).Msg("DNS resolution failed")
			metrics.ProxyErrors.WithLabelValues(originURL, "dns").Inc()
			internalhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service_unavailable"})
			return
		}

		if strings.Contains(err.Error(), "connection refused") {
			logger.Error().Str("origin", originURL).Str("error_type", "connection").Err(err).Msg("connection refused")
			metrics.ProxyErrors.WithLabelValues(originURL, "connection").Inc()
			internalhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service_unavailable"})
			return
		}

		logger.Error().Str("origin", originURL).Str("error_type", "other").Err(err).Msg("proxy error")
		metrics.ProxyErrors.WithLabelValues(originURL, "other").Inc()
		internalhttp.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "bad_gateway"})
	}

	return proxy
}

// Shutdown closes idle upstream connections.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.proxiesMu.Lock()
	defer h.proxiesMu.Unlock()
	for origin, cp := range h.proxies {
		closeIdle(cp.proxy)
		log.Info().Str("origin", origin).Msg("closed idle connections for origin")
	}
	return nil
}

func closeIdle(p *httputil.ReverseProxy) {
	if transport, ok := p.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// getScheme returns the scheme (http or https) for the request
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
