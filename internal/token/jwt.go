package token

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Inspector decides whether a request carries an auth token. It never
// verifies signatures; the upstream owns authentication.
type Inspector struct {
	CookieName string
	// ExpiredHint treats a cookie that parses as a JWT with an exp in the
	// past as absent. Opaque (non-JWT) values are always accepted.
	ExpiredHint bool

	parser  *jwt.Parser
	nowFunc func() time.Time
}

func NewInspector(cookieName string, expiredHint bool) *Inspector {
	if cookieName == "" {
		cookieName = "token"
	}
	return &Inspector{
		CookieName:  cookieName,
		ExpiredHint: expiredHint,
		parser:      jwt.NewParser(),
		nowFunc:     time.Now,
	}
}

// Present reports whether r has a non-empty token cookie.
func (i *Inspector) Present(r *http.Request) bool {
	c, err := r.Cookie(i.CookieName)
	if err != nil || c.Value == "" {
		return false
	}
	if i.ExpiredHint && i.expired(c.Value) {
		return false
	}
	return true
}

func (i *Inspector) expired(raw string) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := i.parser.ParseUnverified(raw, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !i.nowFunc().Before(claims.ExpiresAt.Time)
}
