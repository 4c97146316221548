// Package middleware guards the assessment API.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pitabwire/frame/security"
	"github.com/pitabwire/util"
)

const (
	bearerPrefix = "bearer "
	authRealm    = `Bearer realm="release-gate"`
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, options ...security.AuthOption) (context.Context, error)
}

// BearerAuth rejects requests without a valid bearer token.
type BearerAuth struct {
	authenticator Authenticator
}

// NewBearerAuth creates the authentication middleware.
func NewBearerAuth(authenticator Authenticator) *BearerAuth {
	return &BearerAuth{authenticator: authenticator}
}

// Wrap returns next guarded by token authentication.
func (a *BearerAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := util.Log(ctx)

		token, reason := bearerToken(r.Header.Get("Authorization"))
		if reason != "" {
			log.Debug("request not authenticated", "reason", reason, "path", r.URL.Path)
			unauthorized(w, reason)
			return
		}

		authCtx, err := a.authenticator.Authenticate(ctx, token)
		if err != nil {
			log.Debug("token validation failed", "error", err.Error())
			unauthorized(w, "invalid or expired token")
			return
		}

		subject := ""
		if claims := security.ClaimsFromContext(authCtx); claims != nil {
			subject, _ = claims.GetSubject()
		}
		log.Debug("authenticated request", "subject", subject, "path", r.URL.Path)

		next.ServeHTTP(w, r.WithContext(authCtx))
	})
}

func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing authorization header"
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", "expected: Bearer <token>"
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", authRealm)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
