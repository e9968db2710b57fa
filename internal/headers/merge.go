package headers

import (
	"net/http"
	"strings"
)

// Disclosure lists response headers that reveal the server stack.
var Disclosure = []string{"Server", "X-Powered-By"}

// Merge combines header sets in order. A later set replaces earlier values
// for the same key, except Vary and Set-Cookie, which accumulate.
func Merge(sets ...http.Header) http.Header {
	out := http.Header{}
	for _, set := range sets {
		for k, vs := range set {
			if len(vs) == 0 {
				continue
			}
			switch k {
			case "Vary", "Set-Cookie":
				out[k] = append(out[k], vs...)
			default:
				out[k] = append([]string(nil), vs...)
			}
		}
	}
	return out
}

// Apply writes set onto dst, with the same replace/accumulate rules as
// Merge, and strips disclosure headers.
func Apply(dst, set http.Header) {
	for k, vs := range set {
		switch k {
		case "Vary":
			dst[k] = mergeVary(dst[k], vs)
		case "Set-Cookie":
			dst[k] = append(dst[k], vs...)
		default:
			dst[k] = append([]string(nil), vs...)
		}
	}
	for _, k := range Disclosure {
		dst.Del(k)
	}
}

func mergeVary(have, add []string) []string {
	out := append([]string(nil), have...)
	for _, v := range add {
		dup := false
		for _, h := range out {
			if h == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// StripOverlap removes from upstream every key the edge set already carries,
// so a proxied response holds a single value per key. Set-Cookie is kept and
// Vary keeps only tokens the edge set lacks. Disclosure headers are removed.
func StripOverlap(upstream, edge http.Header) {
	for k := range edge {
		switch k {
		case "Set-Cookie":
		case "Vary":
			upstream[k] = varyMinus(upstream[k], edge[k])
			if len(upstream[k]) == 0 {
				delete(upstream, k)
			}
		default:
			upstream.Del(k)
		}
	}
	for _, k := range Disclosure {
		upstream.Del(k)
	}
}

func varyMinus(have, remove []string) []string {
	drop := map[string]bool{}
	for _, v := range remove {
		for _, tok := range strings.Split(v, ",") {
			drop[strings.ToLower(strings.TrimSpace(tok))] = true
		}
	}
	var out []string
	for _, v := range have {
		var keep []string
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" && !drop[strings.ToLower(tok)] {
				keep = append(keep, tok)
			}
		}
		if len(keep) > 0 {
			out = append(out, strings.Join(keep, ", "))
		}
	}
	return out
}
