package pipeline

import (
	"net/http"

	"edgeguard/edge-service/internal/headers"
	"edgeguard/edge-service/internal/httputil"
)

// Middleware renders the orchestrator's decision. Only Continue reaches next.
func (o *Orchestrator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := o.Decide(r)
		headers.Apply(w.Header(), d.Headers)

		switch d.Kind {
		case KindContinue:
			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), d)))
		case KindPreflight:
			w.WriteHeader(http.StatusNoContent)
		case KindRedirect:
			http.Redirect(w, r, d.Location, http.StatusTemporaryRedirect)
		default:
			httputil.WriteJSON(w, d.Status, d.Body)
		}
	})
}
