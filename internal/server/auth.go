// Package server provides the memguard HTTP surface: a serving API that
// only ever returns displayable content, and an operator admin API.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dativo-io/memguard/internal/requestctx"
)

// RequestIDHeader carries the execution-context request id back to the
// caller.
const RequestIDHeader = "X-Memguard-Request-Id"

// AdminKeyHeader is the header checked by AdminAuthMiddleware. An
// Authorization: Bearer <key> header is accepted too.
const AdminKeyHeader = "X-Memguard-Admin-Key"

// RequestContextMiddleware tags every request as REQUEST origin.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ec, err := requestctx.WithRequest(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("establishing request context")
			writeError(w, http.StatusInternalServerError, "internal", "could not establish request context")
			return
		}
		w.Header().Set(RequestIDHeader, ec.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BackgroundContextMiddleware tags admin requests as BACKGROUND origin and
// records the operator as actor for audit records.
func BackgroundContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, ec, err := requestctx.WithBackground(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		ctx = requestctx.SetActor(ctx, "admin")
		w.Header().Set(RequestIDHeader, ec.RequestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuthMiddleware validates X-Memguard-Admin-Key or Authorization:
// Bearer <key> against adminKey in constant time.
func AdminAuthMiddleware(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(AdminKeyHeader)
			if key == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if key == "" || subtle.ConstantTimeCompare([]byte(adminKey), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware returns a middleware that sets CORS headers. allowedOrigins
// can be ["*"] for any; nil disables CORS headers.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" {
				for _, o := range allowedOrigins {
					if o == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "300")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
