// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/tomtom215/callstream/internal/auth"
	"github.com/tomtom215/callstream/internal/authz"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
)

// MiddlewareConfig configures CORS and rate limiting.
type MiddlewareConfig struct {
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
	CORSMaxAge         int           `koanf:"cors_max_age"`
	RateLimitRequests  int           `koanf:"rate_limit_requests"`
	RateLimitWindow    time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled  bool          `koanf:"rate_limit_disabled"`
}

// DefaultMiddlewareConfig returns a secure default. CORS origins are empty
// and must be configured explicitly.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		CORSAllowedOrigins: []string{},
		CORSMaxAge:         86400,
		RateLimitRequests:  600,
		RateLimitWindow:    time.Minute,
	}
}

// CORS returns the go-chi/cors handler.
func CORS(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         cfg.CORSMaxAge,
	})
}

// RateLimit limits requests per client IP.
func RateLimit(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.RateLimitDisabled || cfg.RateLimitRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		cfg.RateLimitRequests,
		cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			NewResponseWriter(w, r).TooManyRequests("rate limit exceeded")
		}),
	)
}

// RequestIDWithLogging runs chi's RequestID and copies the id into the
// logging context with a fresh correlation id.
func RequestIDWithLogging() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chimiddleware.GetReqID(r.Context())
			w.Header().Set("X-Request-ID", id)
			ctx := logging.ContextWithRequestID(r.Context(), id)
			ctx = logging.ContextWithNewCorrelationID(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		}))
	}
}

// PrometheusMetrics records request counts and latency per route pattern.
func PrometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordAPIRequest(r.Method, route, status, time.Since(start))
	})
}

// Authenticate verifies the bearer token and stores its claims. A nil
// verifier disables authentication.
func Authenticate(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromRequest(r)
			if err != nil {
				NewResponseWriter(w, r).Unauthorized(err.Error())
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				logging.Ctx(r.Context()).Warn().Err(err).Msg("token verification failed")
				NewResponseWriter(w, r).Unauthorized("invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

// Authorize checks the caller's claims against the authorization policy
// for obj and act in the organization named by the {orgID} route
// parameter, or in no organization on routes without one. Requests
// without claims pass, which happens only with authentication disabled.
func Authorize(e *authz.Enforcer, obj, act string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(w, r, e, chi.URLParam(r, "orgID"), obj, act) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authorized writes the refusal and reports false when the request's
// claims may not perform act on obj in org. A nil enforcer refuses every
// request that carries claims.
func authorized(w http.ResponseWriter, r *http.Request, e *authz.Enforcer, org, obj, act string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return true
	}
	err := authz.ErrDenied
	if e != nil {
		err = e.Check(claims, org, obj, act)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, authz.ErrDenied):
		logging.Ctx(r.Context()).Debug().Err(err).Str("org", claims.Org).Str("role", claims.Role).Msg("request denied")
		NewResponseWriter(w, r).Forbidden("token does not permit this request")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("authorization check failed")
		NewResponseWriter(w, r).Error(http.StatusInternalServerError, ErrCodeInternalError, "authorization check failed")
	}
	return false
}
