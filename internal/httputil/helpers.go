package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultClientID is used when no forwarded address is available.
const DefaultClientID = "127.0.0.1"

// Context keys for request metadata
type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
)

// Buffer pool for JSON encoding hot path optimization
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// GenerateRequestID creates a new random request ID
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves the request-scoped logger. Outside RequestIDMiddleware
// it returns the global logger.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	return &log.Logger
}

// RequestIDMiddleware extracts or generates request ID and adds it to context and headers
func RequestIDMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)

			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()

			ctx := WithRequestID(r.Context(), requestID)
			ctx = WithLogger(ctx, &reqLogger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Chain composes middleware so the first argument is the outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ClientIDWithTrustedProxies returns the first X-Forwarded-For entry,
// trimmed, or DefaultClientID when there is none.
// SECURITY: with trustedProxies set, X-Forwarded-For is only read when the
// immediate peer is one of them; other peers are identified by their own
// address so a client cannot rotate identities by rewriting the header.
func ClientIDWithTrustedProxies(r *http.Request, trustedProxies []*net.IPNet) string {
	if len(trustedProxies) == 0 {
		if id := firstForwarded(r); id != "" {
			return id
		}
		return DefaultClientID
	}

	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return DefaultClientID
	}
	for _, ipNet := range trustedProxies {
		if ipNet.Contains(remoteIP) {
			if id := firstForwarded(r); id != "" {
				return id
			}
			break
		}
	}
	return remoteIP.String()
}

func firstForwarded(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// IsTrustedPeer reports whether the request arrived from a trusted proxy.
func IsTrustedPeer(r *http.Request, trustedProxies []*net.IPNet) bool {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	ip := net.ParseIP(remoteHost)
	if ip == nil {
		return false
	}
	for _, ipNet := range trustedProxies {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// WriteJSON writes a JSON response with proper headers and error handling.
// Uses sync.Pool for buffers to reduce hot path allocations.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("JSON encode failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}
