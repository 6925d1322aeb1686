package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/modelrelay/modelrelay/internal/config"
)

// CORSMiddleware applies the configured cross-origin policy. Disabled or
// unmatched origins pass through untouched; preflight requests are answered
// directly. Credentials are only enabled when the response echoes a
// concrete origin, never on the wildcard.
func CORSMiddleware(get func() *config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := get().CORS
		origin := r.Header.Get("Origin")
		if !cfg.Enabled || origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowAll := originAllowed(cfg.AllowedOrigins, "*")
		if !allowAll && !originAllowed(cfg.AllowedOrigins, origin) {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		allowOrigin := origin
		if allowAll && !cfg.AllowCredentials {
			allowOrigin = "*"
		} else {
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Origin", allowOrigin)
		if cfg.AllowCredentials && allowOrigin != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if len(cfg.ExposeHeaders) > 0 {
			h.Set("Access-Control-Expose-Headers", strings.Join(cfg.ExposeHeaders, ", "))
		}

		if r.Method == http.MethodOptions {
			if len(cfg.AllowedMethods) > 0 {
				h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
			}
			if len(cfg.AllowedHeaders) > 0 {
				h.Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
			}
			if cfg.MaxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
