package pipeline

import (
	"context"
	"net/http"
)

// Kind is the terminal outcome of one pipeline run.
type Kind int

const (
	KindContinue  Kind = iota // pass through with composed headers
	KindReject                // JSON body with Status
	KindRedirect              // 307 to Location
	KindPreflight             // 204 with CORS headers only
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindReject:
		return "reject"
	case KindRedirect:
		return "redirect"
	case KindPreflight:
		return "preflight"
	default:
		return "unknown"
	}
}

// Decision is what the orchestrator hands back to the HTTP layer.
type Decision struct {
	Kind     Kind
	Status   int
	Body     any
	Location string
	Headers  http.Header
	Nonce    string
	Reason   string // metrics label
}

type errorBody struct {
	Error string `json:"error"`
}

func reject(status int, code, reason string) Decision {
	return Decision{
		Kind:    KindReject,
		Status:  status,
		Body:    errorBody{Error: code},
		Headers: http.Header{},
		Reason:  reason,
	}
}

func redirect(location, reason string) Decision {
	return Decision{
		Kind:     KindRedirect,
		Status:   http.StatusTemporaryRedirect,
		Location: location,
		Headers:  http.Header{},
		Reason:   reason,
	}
}

// RequestContext is the per-request input of the pipeline.
type RequestContext struct {
	ClientID     string
	UserAgent    string
	Origin       string
	Method       string
	Path         string
	HasAuthToken bool
}

type ctxKey int

const decisionKey ctxKey = iota

// WithDecision stores a continue decision for handlers further down.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// HeadersFrom returns the header set the pipeline attached to the request,
// or nil when the request did not pass through the pipeline.
func HeadersFrom(ctx context.Context) http.Header {
	if d, ok := ctx.Value(decisionKey).(Decision); ok {
		return d.Headers
	}
	return nil
}

// NonceFrom returns the CSP nonce issued for the request.
func NonceFrom(ctx context.Context) string {
	if d, ok := ctx.Value(decisionKey).(Decision); ok {
		return d.Nonce
	}
	return ""
}
