// Package middleware provides the HTTP middleware for the flag delivery
// API: SDK credential authentication, failed-attempt rate limiting, and
// request logging.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// EnvironmentResolver verifies an SDK credential and resolves the
// environment it grants access to.
type EnvironmentResolver interface {
	EnvironmentBySDKCredential(ctx context.Context, credential string) (repository.Environment, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// SDKAuth enforces "Authorization: Bearer keyID.secret" credential auth and
// stores the resolved environment on the request context.
func SDKAuth(resolver EnvironmentResolver, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			env, err := authorize(r.Context(), r.Header.Get("Authorization"), resolver)
			if err != nil {
				if cfg.onFailure != nil {
					cfg.onFailure()
				}
				if cfg.rateLimiter != nil {
					ip := ExtractIP(r.RemoteAddr)
					if !cfg.rateLimiter.RecordFailureAndAllow(ip) {
						http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
						return
					}
				}
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), environmentKey, env)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const environmentKey contextKey = "environment"

// EnvironmentFromContext retrieves the authenticated environment from the
// request context.
func EnvironmentFromContext(ctx context.Context) (repository.Environment, bool) {
	env, ok := ctx.Value(environmentKey).(repository.Environment)
	return env, ok
}

// NewContextWithEnvironment returns a context carrying the given
// environment. Intended for tests and internal callers.
func NewContextWithEnvironment(ctx context.Context, env repository.Environment) context.Context {
	return context.WithValue(ctx, environmentKey, env)
}

func authorize(ctx context.Context, authorizationHeader string, resolver EnvironmentResolver) (repository.Environment, error) {
	if resolver == nil {
		return repository.Environment{}, errors.New("environment resolver is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return repository.Environment{}, errMissingAuthorizationHeader
	}

	credential, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return repository.Environment{}, err
	}

	return resolver.EnvironmentBySDKCredential(ctx, credential)
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
