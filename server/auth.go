package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey string

const contextKeyIdentity authContextKey = "anvil-identity"

// requireAuth validates the bearer token and puts the caller's identity
// id into the request context before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			slog.WarnContext(req.Context(), "authorization header invalid",
				slog.String("error", err.Error()), slog.String("path", req.URL.Path))
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		identityID, err := r.verifyToken(token)
		if err != nil {
			slog.WarnContext(req.Context(), "token validation failed",
				slog.String("error", err.Error()), slog.String("path", req.URL.Path))
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyIdentity, identityID)
		next(w, req.WithContext(ctx))
	}
}

// verifyToken checks the JWT's signature and returns its subject, the
// platform identity id.
func (r *Router) verifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("token has no subject")
	}
	return subject, nil
}

// identityFromContext extracts the identity id stored by requireAuth.
func identityFromContext(ctx context.Context) (string, bool) {
	identityID, ok := ctx.Value(contextKeyIdentity).(string)
	return identityID, ok && identityID != ""
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
