/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token authentication
 * through an IdentityGateway, and structured request logging.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token verification.
 * - github.com/go-chi/chi/v5/middleware: request ids and wrapped response writers.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/transfa/ledger-service/pkg/logger"
)

// OwnerIDContextKey is a custom type for the context key to avoid collisions.
type OwnerIDContextKey string

const ownerIDKey OwnerIDContextKey = "ledgerOwnerID"

var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityGateway resolves a bearer token to the caller's owner id.
type IdentityGateway interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// HMACGateway verifies HS256 tokens signed with a shared secret.
type HMACGateway struct {
	secret     []byte
	ownerClaim string
}

func NewHMACGateway(secret, ownerClaim string) *HMACGateway {
	claim := strings.TrimSpace(ownerClaim)
	if claim == "" {
		claim = "userId"
	}
	return &HMACGateway{secret: []byte(secret), ownerClaim: claim}
}

// Authenticate validates signature and expiry, then reads the owner id from the
// configured claim, falling back to "sub".
func (g *HMACGateway) Authenticate(ctx context.Context, tokenString string) (string, error) {
	if len(g.secret) == 0 {
		return "", fmt.Errorf("%w: token verification is not configured", ErrUnauthenticated)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	for _, name := range []string{g.ownerClaim, "sub"} {
		if owner, ok := claims[name].(string); ok && strings.TrimSpace(owner) != "" {
			return strings.TrimSpace(owner), nil
		}
	}
	return "", fmt.Errorf("%w: owner id not found in token", ErrUnauthenticated)
}

// AuthMiddleware rejects requests without a valid bearer token and stores the caller's
// owner id in the request context.
func AuthMiddleware(gateway IdentityGateway, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "Authorization header required"})
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "Invalid Authorization header format"})
				return
			}

			ownerID, err := gateway.Authenticate(r.Context(), strings.TrimSpace(tokenString))
			if err != nil {
				log.Info("authentication rejected", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwnerID retrieves the authenticated owner id from the request context.
func GetOwnerID(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(string)
	return ownerID, ok && ownerID != ""
}

// RequestLogger logs one line per request once the response is written.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			kv := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("http request", kv...)
				return
			}
			log.Info("http request", kv...)
		})
	}
}
