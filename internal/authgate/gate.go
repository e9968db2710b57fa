package authgate

import "strings"

// Gate redirects unauthenticated requests for protected paths to the
// login route. It checks token presence only.
type Gate struct {
	protected  []string
	loginRoute string
}

func New(protectedPrefixes []string, loginRoute string) *Gate {
	g := &Gate{loginRoute: loginRoute}
	for _, p := range protectedPrefixes {
		if p != "" {
			g.protected = append(g.protected, p)
		}
	}
	return g
}

// Protected reports whether path starts with a protected prefix.
func (g *Gate) Protected(path string) bool {
	for _, p := range g.protected {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Check returns the redirect target when the request must log in first.
func (g *Gate) Check(path string, hasToken bool) (location string, redirect bool) {
	if hasToken || !g.Protected(path) {
		return "", false
	}
	return g.loginRoute, true
}
