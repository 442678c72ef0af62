package middleware

import (
	"net"
	"net/http"
	"strings"
)

// HSTS adds Strict-Transport-Security header to enforce HTTPS
func HSTS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

// RequireHTTPS redirects plain HTTP requests to HTTPS. The redirect target is
// only built from a Host in allowedHosts; other hosts get 400.
// Requests arriving through a TLS-terminating proxy are recognised by
// X-Forwarded-Proto.
func RequireHTTPS(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			isHTTPS := r.TLS != nil ||
				r.Header.Get("X-Forwarded-Proto") == "https" ||
				r.URL.Scheme == "https"
			if isHTTPS {
				next.ServeHTTP(w, r)
				return
			}

			if !IsHostAllowed(r.Host, allowedHosts) {
				http.Error(w, "invalid host", http.StatusBadRequest)
				return
			}
			http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
		})
	}
}

// IsHostAllowed reports whether host names one of allowedHosts. Ports are
// ignored on both sides. An empty list allows every host.
func IsHostAllowed(host string, allowedHosts []string) bool {
	if len(allowedHosts) == 0 {
		return true
	}

	name := hostname(host)
	for _, allowed := range allowedHosts {
		if name == hostname(allowed) {
			return true
		}
	}
	return false
}

// hostname lowercases h and strips any port, IPv6 brackets and zone.
func hostname(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if name, _, err := net.SplitHostPort(h); err == nil {
		h = name
	} else {
		h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	}
	if i := strings.IndexByte(h, '%'); i != -1 {
		h = h[:i]
	}
	return h
}
