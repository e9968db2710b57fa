package pipeline

import (
	"html/template"
	"net/http"
	"unicode/utf8"

	"edgeguard/edge-service/internal/httputil"
)

const (
	defaultErrorMessage = "Ha ocurrido un error"
	maxErrorMessage     = 300
)

var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>Error</title>
<style nonce="{{.Nonce}}">body{font-family:sans-serif;max-width:40rem;margin:4rem auto;padding:0 1rem}</style>
</head>
<body>
<h1>Error</h1>
<p>{{.Message}}</p>
<p><a href="/">Volver</a></p>
</body>
</html>
`))

// ErrorPage renders the message query parameter as escaped HTML. Mount it
// behind the pipeline middleware so the page carries the request's nonce.
func ErrorPage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			httputil.WriteJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed"})
			return
		}
		msg := r.URL.Query().Get("message")
		if msg == "" {
			msg = defaultErrorMessage
		}
		if utf8.RuneCountInString(msg) > maxErrorMessage {
			msg = string([]rune(msg)[:maxErrorMessage])
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		err := errorPageTmpl.Execute(w, struct {
			Message string
			Nonce   string
		}{msg, NonceFrom(r.Context())})
		if err != nil {
			httputil.GetLogger(r.Context()).Error().Err(err).Msg("error page render failed")
		}
	})
}
