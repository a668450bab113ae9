package api

import (
	"mime"
	"net"
	"net/http"
	"strings"
)

// originPolicy guards the API against web pages in the user's browser.
// Requests must name the agent by IP or localhost, so a rebound DNS name
// cannot reach it. Browser requests carry an Origin and are refused unless
// the origin is listed. Local tools send no Origin and are always served.
type originPolicy struct {
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			p.allowed[o] = true
		}
	}
	return p
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

// hostAllowed reports whether the Host header names this machine by
// address rather than by a DNS name.
func hostAllowed(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.EqualFold(host, "localhost") || net.ParseIP(host) != nil
}

func (p originPolicy) originAllowed(origin string) bool {
	return origin == "" || p.allowed[normalizeOrigin(origin)]
}

// allows applies the host and origin checks to r.
func (p originPolicy) allows(r *http.Request) bool {
	return hostAllowed(r.Host) && p.originAllowed(r.Header.Get("Origin"))
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// middleware enforces the policy, answers preflights for listed origins
// and requires a JSON body type on POST. A JSON content type cannot be
// sent cross-site without a preflight.
func (p originPolicy) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hostAllowed(r.Host) {
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "host not allowed"})
			return
		}
		origin := r.Header.Get("Origin")
		if !p.originAllowed(origin) {
			respondJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method == http.MethodPost && !isJSON(r) {
			respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
			return
		}
		recoveryMiddleware(next)(w, r)
	}
}
