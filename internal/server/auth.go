package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/tagsmithhq/tagsmith/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom returns the authenticated principal stored by the middleware.
func principalFrom(ctx context.Context) auth.Principal {
	p, _ := ctx.Value(principalKey).(auth.Principal)
	return p
}

// authenticate resolves the caller to a Principal: a Bearer JWT first, then
// an API key when any are configured. Credentials are mandatory as soon as
// either a JWT secret or API keys are configured; only with neither set does
// the service run open with a dev principal, which keeps local development
// one-command.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p auth.Principal

		switch {
		case strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "):
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			verified, err := s.deps.Auth.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token", "UNAUTHENTICATED")
				return
			}
			p = verified
		case r.Header.Get("X-API-Key") != "":
			verified, ok := s.deps.Auth.VerifyAPIKey(r.Header.Get("X-API-Key"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown API key", "UNAUTHENTICATED")
				return
			}
			p = verified
		case s.deps.Auth.SecretConfigured() || s.deps.Auth.APIKeysConfigured():
			writeError(w, http.StatusUnauthorized, "missing credentials", "UNAUTHENTICATED")
			return
		default:
			p = auth.Principal{Tenant: "dev"}
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimit admits or rejects the request against the principal's fixed
// window, attaching rate-limit headers either way.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		d := s.deps.Limiter.Admit(r.Context(), p.RateKey())

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
		h.Set("X-RateLimit-Reset-After", strconv.FormatInt(d.RetryAfter, 10))
		if p.Tenant != "" {
			h.Set("X-Tenant", p.Tenant)
		}

		if !d.Allowed {
			h.Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMIT_EXCEEDED")
			return
		}
		next.ServeHTTP(w, r)
	})
}
