package headers

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"edgeguard/edge-service/internal/config"

	"pgregory.net/rapid"
)

func TestCORS_AllowedOrigin(t *testing.T) {
	cfg := config.Default()
	c := NewCORS(cfg.CORS)

	h := c.Headers("http://localhost:3000")
	want := map[string]string{
		"Access-Control-Allow-Origin":      "http://localhost:3000",
		"Access-Control-Allow-Methods":     "GET, POST, PUT, DELETE, OPTIONS",
		"Access-Control-Allow-Headers":     "Content-Type, Authorization",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Expose-Headers":    "X-Nonce",
		"Timing-Allow-Origin":              "http://localhost:3000",
		"Vary":                             "Origin",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	c := NewCORS(config.Default().CORS)
	for _, origin := range []string{"https://evil.example", "", "http://localhost:3000/", "HTTP://LOCALHOST:3000"} {
		h := c.Headers(origin)
		if h.Get("Access-Control-Allow-Origin") != "" || h.Get("Access-Control-Allow-Credentials") != "" {
			t.Errorf("origin %q got CORS grant: %v", origin, h)
		}
		if h.Get("Vary") != "Origin" {
			t.Errorf("origin %q: Vary must always be set", origin)
		}
	}
}

func TestCSP_PolicyFormat(t *testing.T) {
	c := NewCSP(config.Default().CSP)
	p := c.Policy("abc=")
	want := "default-src 'self'; script-src 'self' 'nonce-abc='; style-src 'self' 'nonce-abc='; " +
		"img-src 'self' data:; font-src 'self'; " +
		"connect-src 'self' https://gatito027.vercel.app https://prueba-moleculer.vercel.app; " +
		"frame-src 'self'; frame-ancestors 'none'; object-src 'none'; base-uri 'self'; form-action 'self'"
	if p != want {
		t.Fatalf("policy mismatch\n got: %s\nwant: %s", p, want)
	}
}

func TestCSP_Headers(t *testing.T) {
	c := NewCSP(config.Default().CSP)
	nonce, h, err := c.Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(nonce) != 24 {
		t.Errorf("expected 24 char base64 nonce, got %q", nonce)
	}
	if h.Get(NonceHeader) != nonce {
		t.Errorf("X-Nonce = %q, want %q", h.Get(NonceHeader), nonce)
	}
	if !strings.Contains(h.Get("Content-Security-Policy"), "'nonce-"+nonce+"'") {
		t.Error("policy does not carry the nonce")
	}
	for k, v := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
		"X-XSS-Protection":       "1; mode=block",
	} {
		if h.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, h.Get(k), v)
		}
	}
	if h.Get("Set-Cookie") != "" {
		t.Error("header channel should not set a cookie")
	}
}

func TestCSP_CookieChannel(t *testing.T) {
	cfg := config.Default().CSP
	cfg.NonceChannel = "cookie"
	nonce, h, err := NewCSP(cfg).Headers()
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if h.Get(NonceHeader) != "" {
		t.Error("cookie channel should not set X-Nonce")
	}
	ck := h.Get("Set-Cookie")
	for _, part := range []string{"nonce=" + nonce, "HttpOnly", "Secure", "SameSite=Strict", "Max-Age=60"} {
		if !strings.Contains(ck, part) {
			t.Errorf("cookie %q missing %q", ck, part)
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestCSP_EntropyFailure(t *testing.T) {
	c := NewCSP(config.Default().CSP)
	c.random = failingReader{}
	if _, _, err := c.Headers(); err == nil {
		t.Fatal("expected entropy error")
	}
}

func TestCSP_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := config.Default().CSP
		cfg.ConnectSrc = rapid.SliceOfN(rapid.StringMatching(`https://[a-z]{1,8}\.example`), 0, 4).Draw(rt, "connect_src")
		c := NewCSP(cfg)

		seen := map[string]bool{}
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		for i := 0; i < n; i++ {
			nonce, h, err := c.Headers()
			if err != nil {
				rt.Fatalf("Headers: %v", err)
			}
			if seen[nonce] {
				rt.Fatalf("nonce %q reused", nonce)
			}
			seen[nonce] = true

			p := h.Get("Content-Security-Policy")
			if strings.Contains(p, "  ") || strings.HasSuffix(p, ";") || strings.HasSuffix(p, " ") {
				rt.Fatalf("malformed policy %q", p)
			}
			if strings.Count(p, "'nonce-"+nonce+"'") != 2 {
				rt.Fatalf("nonce must appear in script-src and style-src: %q", p)
			}
		}
	})
}

func TestCachePolicy(t *testing.T) {
	cfg := config.Default()
	p := NewCachePolicy(cfg.Routes, cfg.Cache)

	if got := p.Headers("/_next/static/chunk.js").Get("Cache-Control"); got != "public, max-age=604800" {
		t.Errorf("static Cache-Control = %q", got)
	}
	api := p.Headers("/api/users")
	if api.Get("Cache-Control") != "no-store, no-cache, must-revalidate, proxy-revalidate" ||
		api.Get("Pragma") != "no-cache" || api.Get("Expires") != "0" {
		t.Errorf("api headers = %v", api)
	}
	if len(p.Headers("/about")) != 0 {
		t.Errorf("page routes should get no cache headers, got %v", p.Headers("/about"))
	}
	if p.Classify("/favicon.ico") != RouteStatic || p.Classify("/api") != RouteAPI || p.Classify("/") != RoutePage {
		t.Error("unexpected classification")
	}
}

func TestMerge(t *testing.T) {
	a := http.Header{"Vary": {"Origin"}, "X-A": {"1"}}
	b := http.Header{"X-A": {"2"}, "Set-Cookie": {"a=1"}}
	c := http.Header{"Set-Cookie": {"b=2"}, "Vary": {"Accept"}}
	m := Merge(a, b, c)
	if m.Get("X-A") != "2" {
		t.Errorf("later set should win, got %q", m.Get("X-A"))
	}
	if len(m["Set-Cookie"]) != 2 || len(m["Vary"]) != 2 {
		t.Errorf("Set-Cookie and Vary should accumulate: %v", m)
	}
	a.Set("X-A", "changed")
	if m.Get("X-A") != "2" {
		t.Error("merge must copy values")
	}
}

func TestApply_StripsDisclosure(t *testing.T) {
	dst := http.Header{"Server": {"nginx"}, "X-Powered-By": {"Next.js"}, "Vary": {"Origin"}}
	Apply(dst, http.Header{"Vary": {"Origin"}, "X-Frame-Options": {"DENY"}})
	if dst.Get("Server") != "" || dst.Get("X-Powered-By") != "" {
		t.Errorf("disclosure headers survived: %v", dst)
	}
	if len(dst["Vary"]) != 1 {
		t.Errorf("duplicate Vary: %v", dst["Vary"])
	}
}

func TestStripOverlap(t *testing.T) {
	upstream := http.Header{
		"Content-Security-Policy": {"default-src *"},
		"Vary":                    {"Accept-Encoding, Origin"},
		"Set-Cookie":              {"session=1"},
		"X-Powered-By":            {"Express"},
		"Content-Type":            {"text/html"},
	}
	edge := http.Header{
		"Content-Security-Policy": {"default-src 'self'"},
		"Vary":                    {"Origin"},
		"Set-Cookie":              {"nonce=x"},
	}
	StripOverlap(upstream, edge)

	if upstream.Get("Content-Security-Policy") != "" {
		t.Error("edge CSP should replace upstream CSP")
	}
	if got := upstream["Vary"]; len(got) != 1 || got[0] != "Accept-Encoding" {
		t.Errorf("Vary = %v", got)
	}
	if upstream.Get("Set-Cookie") != "session=1" {
		t.Error("upstream cookies must be kept")
	}
	if upstream.Get("X-Powered-By") != "" {
		t.Error("X-Powered-By must be stripped")
	}
	if upstream.Get("Content-Type") != "text/html" {
		t.Error("unrelated headers must be kept")
	}
}
