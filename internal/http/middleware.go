package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/syncrelay/internal/observability/logger"
	"github.com/dropDatabas3/syncrelay/internal/rate"
)

// requestLogger injects a scoped zap logger into the context and writes
// one access-log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}
		log := logger.With(logger.RequestID(reqID))
		ctx := logger.ToContext(r.Context(), log)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.Info("request",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.Status(ww.Status()),
			logger.Duration(time.Since(start)),
			logger.ClientIP(r.RemoteAddr),
		)
	})
}

// authMiddleware guards the API. An API key check applies when
// configured; a JWT secret additionally requires a valid HMAC-signed
// bearer token. With neither configured the API is open (dev mode).
func authMiddleware(apiKey, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" {
				got := r.Header.Get("X-Api-Key")
				if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
					WriteError(w, ErrUnauthorized.WithDetail("invalid API key"))
					return
				}
			}
			if jwtSecret != "" {
				raw := bearerToken(r)
				if raw == "" {
					WriteError(w, ErrUnauthorized.WithDetail("missing bearer token"))
					return
				}
				_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(jwtSecret), nil
				})
				if err != nil {
					WriteError(w, ErrUnauthorized.WithDetail("invalid bearer token"))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies the fixed-window limiter keyed by remote
// address. A limiter backend failure lets the request through.
func rateLimitMiddleware(limiter rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if i := strings.LastIndex(key, ":"); i > 0 {
				key = key[:i]
			}
			res, err := limiter.Allow(r.Context(), "push:"+key)
			if err != nil {
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				w.Header().Set("Retry-After", res.RetryAfter.Round(time.Second).String())
				WriteError(w, ErrTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the raw token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
