package httprpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const requestContextKey ctxKey = "chatsvc-request-context"

// RequestContext carries the RPC caller's identity, derived from a bearer
// JWT (spec.md §6 "each takes a RequestContext{userId, sessionId, ...}").
// This authenticates the RPC caller — a node-to-node / gateway concern —
// never an end user, so it doesn't touch the authentication Non-goal
// (SPEC_FULL.md MODULE MAP).
type RequestContext struct {
	UserID    string
	SessionID string
}

// AuthConfig configures the bearer-JWT middleware.
type AuthConfig struct {
	Secret string // HMAC (HS256) shared secret
}

type claims struct {
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Middleware validates the bearer token on every request and stores the
// derived RequestContext for handlers to read via FromContext.
func Middleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "unavailable", "missing bearer token")
				return
			}

			parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
				return []byte(cfg.Secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !parsed.Valid {
				writeError(w, http.StatusUnauthorized, "unavailable", "invalid bearer token")
				return
			}

			c := parsed.Claims.(*claims)
			rc := RequestContext{UserID: c.UserID, SessionID: c.SessionID}
			ctx := context.WithValue(r.Context(), requestContextKey, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext extracts the RequestContext a prior Middleware call stored.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	return rc, ok
}

// SignServiceToken mints the bearer token one node presents to its peers,
// identifying itself as serviceKey. Nodes share one HMAC secret (cfg.Secret)
// rather than each holding its own keypair, matching the rest of this
// module's "shared secret between cooperating nodes" auth model.
func SignServiceToken(cfg AuthConfig, serviceKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{UserID: serviceKey})
	return token.SignedString([]byte(cfg.Secret))
}
