package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"edgeguard/edge-service/internal/agent"
	"edgeguard/edge-service/internal/authgate"
	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/headers"
	"edgeguard/edge-service/internal/httputil"
	"edgeguard/edge-service/internal/metrics"
	"edgeguard/edge-service/internal/rate"
	"edgeguard/edge-service/internal/token"
	"edgeguard/edge-service/internal/util"
)

// Orchestrator runs the ordered checks for one request and returns a
// Decision. It is the only place faults are caught.
type Orchestrator struct {
	Cfg       *config.Config
	Blocklist *agent.Blocklist
	Limiter   rate.Limiter
	Gate      *authgate.Gate
	Tokens    *token.Inspector
	CORS      *headers.CORS
	CSP       *headers.CSP
	Cache     *headers.CachePolicy
	Anon      *util.Anonymizer

	nowFunc func() time.Time
}

// New wires the pipeline from cfg around an injected limiter.
func New(cfg *config.Config, limiter rate.Limiter) *Orchestrator {
	return &Orchestrator{
		Cfg:       cfg,
		Blocklist: agent.NewBlocklist(cfg.Agents.Blocked, cfg.Agents.LogsPerSecond),
		Limiter:   limiter,
		Gate:      authgate.New(cfg.Routes.ProtectedPrefixes, cfg.Routes.LoginRoute),
		Tokens:    token.NewInspector(cfg.Auth.CookieName, cfg.Auth.ExpiredHint),
		CORS:      headers.NewCORS(cfg.CORS),
		CSP:       headers.NewCSP(cfg.CSP),
		Cache:     headers.NewCachePolicy(cfg.Routes, cfg.Cache),
		Anon:      util.NewAnonymizer(cfg.Logging.IPHashKey),
		nowFunc:   time.Now,
	}
}

// Resolve extracts the pipeline input from r.
func (o *Orchestrator) Resolve(r *http.Request) RequestContext {
	return RequestContext{
		ClientID:     httputil.ClientIDWithTrustedProxies(r, o.Cfg.Server.TrustedProxies),
		UserAgent:    strings.TrimSpace(r.Header.Get("User-Agent")),
		Origin:       strings.TrimSpace(r.Header.Get("Origin")),
		Method:       r.Method,
		Path:         r.URL.Path,
		HasAuthToken: o.Tokens.Present(r),
	}
}

// Decide runs the pipeline for r. It always returns a Decision: panics and
// unexpected errors at any stage become a generic 500.
func (o *Orchestrator) Decide(r *http.Request) (d Decision) {
	start := time.Now()
	stage := StageStart
	var rc RequestContext

	defer func() {
		if rec := recover(); rec != nil {
			d = o.fault(r.Context(), rc, stage, fmt.Errorf("panic: %v", rec))
		}
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
		metrics.Decision.WithLabelValues(d.Kind.String(), d.Reason).Inc()
	}()

	rc = o.Resolve(r)
	var err error
	d, err = o.run(r.Context(), rc, &stage)
	if err != nil {
		d = o.fault(r.Context(), rc, stage, err)
	}
	return d
}

func (o *Orchestrator) run(ctx context.Context, rc RequestContext, stage *Stage) (Decision, error) {
	logger := httputil.GetLogger(ctx)

	*stage = StageBlocklist
	if sig, blocked := o.Blocklist.Match(rc.UserAgent); blocked {
		o.Blocklist.LogBlocked(logger, o.Anon.Client(rc.ClientID), rc.UserAgent, sig)
		return reject(http.StatusForbidden, "access_denied", "blocked_agent"), nil
	}

	*stage = StageRateLimit
	if !o.rateExempt(rc.Path) {
		res, err := o.Limiter.Allow(ctx, rc.ClientID)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit: %w", err)
		}
		if !res.Allowed {
			logger.Debug().
				Str("client", o.Anon.Client(rc.ClientID)).
				Int("count", res.Count).
				Int("limit", res.Limit).
				Msg("rate limited")
			return o.rateLimited(rc, res), nil
		}
	}

	*stage = StageAuth
	if loc, ok := o.Gate.Check(rc.Path, rc.HasAuthToken); ok {
		logger.Debug().Str("client", o.Anon.Client(rc.ClientID)).Msg("unauthenticated request to protected route")
		return redirect(loc, "unauthenticated"), nil
	}

	*stage = StageMethodBranch
	if rc.Method == http.MethodOptions {
		return Decision{
			Kind:    KindPreflight,
			Status:  http.StatusNoContent,
			Headers: o.CORS.Headers(rc.Origin),
			Reason:  "preflight",
		}, nil
	}

	*stage = StageHeaderComposition
	corsH := o.CORS.Headers(rc.Origin)
	nonce, cspH, err := o.CSP.Headers()
	if err != nil {
		return Decision{}, err
	}
	cacheH := o.Cache.Headers(rc.Path)

	*stage = StageDone
	return Decision{
		Kind:    KindContinue,
		Status:  http.StatusOK,
		Headers: headers.Merge(corsH, cspH, cacheH),
		Nonce:   nonce,
		Reason:  "pass",
	}, nil
}

// rateExempt covers development mode, static assets and the error page
// (a rate-limited page client is sent there). Only the exact error route is
// served locally; paths below it go upstream and are counted.
func (o *Orchestrator) rateExempt(path string) bool {
	if o.Cfg.Modes.Development {
		return true
	}
	if o.Cache.Classify(path) == headers.RouteStatic {
		return true
	}
	return path == o.Cfg.Routes.ErrorRoute
}

func (o *Orchestrator) rateLimited(rc RequestContext, res rate.Result) Decision {
	if o.Cache.Classify(rc.Path) == headers.RoutePage && o.Cfg.RateLimit.PageResponse == "redirect" {
		loc := o.Cfg.Routes.ErrorRoute + "?message=" + url.QueryEscape(o.Cfg.RateLimit.Message)
		return redirect(loc, "rate_limited")
	}
	d := reject(http.StatusTooManyRequests, "rate_limited", "rate_limited")
	d.Headers.Set("Retry-After", strconv.Itoa(int(res.RetryAfter(o.nowFunc()).Seconds())))
	return d
}

func (o *Orchestrator) fault(ctx context.Context, rc RequestContext, stage Stage, err error) Decision {
	metrics.PipelineFaults.WithLabelValues(stage.String()).Inc()
	httputil.GetLogger(ctx).Error().
		Err(err).
		Str("stage", stage.String()).
		Str("client", o.Anon.Client(rc.ClientID)).
		Str("method", rc.Method).
		Str("path", rc.Path).
		Msg("pipeline fault")
	return reject(http.StatusInternalServerError, "internal_error", "internal_error")
}
