package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	JWTSecret        string
	AllowActorHeader bool
	ScanSecret       string
	Logger           *log.Logger
}

type Principal struct {
	ActorID string
	Source  string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

// newAuthMiddleware resolves the caller identity into the request context.
// Authentication proper is an external collaborator; this accepts a signed
// bearer token or, when enabled, the legacy actor header.
func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				p, err := authenticateJWT(strings.TrimPrefix(h, "Bearer "), cfg.JWTSecret)
				if err == nil {
					next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
					return
				}
				if cfg.Logger != nil {
					cfg.Logger.Printf("auth: bearer token rejected: %v", err)
				}
			}
			if cfg.AllowActorHeader {
				if actor := strings.TrimSpace(r.Header.Get("X-Actor-Id")); actor != "" {
					p := Principal{ActorID: actor, Source: "header"}
					next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// scanSecretOK checks the shared-secret credential of the scheduled sweep,
// accepted as a header or query parameter.
func scanSecretOK(cfg AuthConfig, header, query string) bool {
	secret := strings.TrimSpace(cfg.ScanSecret)
	if secret == "" {
		return false
	}
	for _, candidate := range []string{header, query} {
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1 {
			return true
		}
	}
	return false
}
