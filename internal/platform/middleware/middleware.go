// Package middleware provides the HTTP middleware chain: panic recovery,
// request ids, request logging and JWT authentication that materializes the
// actor context consumed by the domain services.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	id "labtrace/pkg/domain"
	"labtrace/pkg/requestcontext"
)

type requestIDKey struct{}

// RequestID assigns every request a correlation id, honoring an inbound
// X-Request-ID so upstream proxies can stitch traces together.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the correlation id, empty when no middleware ran.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Recovery converts panics into 500 responses instead of dropped connections.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						"panic", rec,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Logger emits one structured line per request.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", GetRequestID(r.Context()),
			)
		})
	}
}

// Timeout bounds handler execution with the request context deadline.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenValidator turns a bearer token into verified claims.
type TokenValidator interface {
	Validate(token string) (Claims, error)
}

// Claims are the verified token fields the platform needs to build the actor
// context.
type Claims struct {
	UserID         string
	OrganizationID string
	PlantID        string
	Role           string
}

// RequireAuth validates the bearer token and installs the actor context. The
// domain services refuse to run without it, so an unauthenticated request
// never reaches business logic.
func RequireAuth(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, bearerPrefix)
			if !ok || token == "" {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected token",
					"error", err.Error(),
					"request_id", GetRequestID(r.Context()),
				)
				unauthorized(w, "invalid or expired token")
				return
			}

			actor, err := actorFromClaims(claims, GetRequestID(r.Context()))
			if err != nil {
				logger.WarnContext(r.Context(), "token missing tenant scope",
					"error", err.Error(),
					"request_id", GetRequestID(r.Context()),
				)
				unauthorized(w, "token is missing required scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithActor(r.Context(), actor)))
		})
	}
}

func actorFromClaims(claims Claims, correlationID string) (requestcontext.Actor, error) {
	orgID, err := id.ParseOrganizationID(claims.OrganizationID)
	if err != nil {
		return requestcontext.Actor{}, err
	}
	userID, err := id.ParseUserID(claims.UserID)
	if err != nil {
		return requestcontext.Actor{}, err
	}
	actor := requestcontext.Actor{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           requestcontext.Role(claims.Role),
		CorrelationID:  correlationID,
	}
	// Plant scope is optional in the token; plant-bound operations validate
	// its presence themselves.
	if claims.PlantID != "" {
		plantID, err := id.ParsePlantID(claims.PlantID)
		if err != nil {
			return requestcontext.Actor{}, err
		}
		actor.PlantID = plantID
	}
	return actor, nil
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": message,
	})
}
