package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"workqueue/internal/engine/auth"
)

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens.
	JWTSecret string
	// TrustHeaders accepts X-User-* headers set by an authenticating proxy.
	TrustHeaders bool
}

type actorKey struct{}

func withActor(ctx context.Context, a auth.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func actorFromContext(ctx context.Context) (auth.Actor, error) {
	if a, ok := ctx.Value(actorKey{}).(auth.Actor); ok && a.ID != "" {
		return a, nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (auth.Actor, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Actor{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Actor{}, err
	}
	if !parsed.Valid {
		return auth.Actor{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Actor{}, errors.New("subject claim required")
	}
	return auth.Actor{ID: claims.Subject, Name: claims.Name, Roles: auth.ParseRoles(claims.Roles)}, nil
}

func actorFromHeaders(h http.Header) (auth.Actor, bool) {
	id := strings.TrimSpace(h.Get("X-User-Id"))
	if id == "" {
		return auth.Actor{}, false
	}
	return auth.Actor{
		ID:    id,
		Name:  strings.TrimSpace(h.Get("X-User-Name")),
		Roles: auth.ParseRoles(strings.Split(h.Get("X-User-Roles"), ",")),
	}, true
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" && cfg.JWTSecret != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondError(w, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials"))
					return
				}
				actor, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("rejected bearer token", "err", err)
					respondError(w, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "invalid credentials"))
					return
				}
				next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
				return
			}
			if cfg.TrustHeaders {
				if actor, ok := actorFromHeaders(req.Header); ok {
					next.ServeHTTP(w, req.WithContext(withActor(req.Context(), actor)))
					return
				}
			}
			respondError(w, newAPIError(http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required"))
		})
	}
}
