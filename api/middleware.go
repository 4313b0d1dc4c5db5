package api

import "net/http"

// SecurityHeaders sets standard security response headers on every
// response. Place it early in the middleware chain. The CSP permits the
// inline script and styles of the broker's own embedded pages and
// nothing else; form-action stays open for the form_post redirect back
// to the relying application.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; script-src 'unsafe-inline'; style-src 'unsafe-inline'; form-action *")
		next.ServeHTTP(w, r)
	})
}
