package middleware

import "net/http"

// SecurityHeaders returns middleware that sets HTTP security headers on every
// response. The API only serves JSON and prometheus text, so the content
// security policy denies everything. Strict-Transport-Security is only sent
// when tlsEnabled is true.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			// Channel and call snapshots go stale immediately.
			h.Set("Cache-Control", "no-store")

			if tlsEnabled {
				// max-age=63072000 is 2 years.
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
