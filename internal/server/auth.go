package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"actionflow/internal/domain"
	"actionflow/internal/engine/auth"
	"actionflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	DevLogin  bool
	TokenTTL  time.Duration
}

func (c AuthConfig) tokenTTL() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return 12 * time.Hour
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func authenticateJWT(ctx context.Context, r repo.Repo, token, secret string) (auth.Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return auth.Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return auth.Principal{}, err
	}
	if !parsed.Valid {
		return auth.Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return auth.Principal{}, errors.New("subject claim required")
	}
	role := claims.Role
	if role == "" {
		u, err := r.GetUser(ctx, claims.Subject)
		if err != nil {
			return auth.Principal{}, err
		}
		role = u.Role
	}
	return auth.Principal{UserID: claims.Subject, Role: role}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (auth.Principal, error) {
	if strings.TrimSpace(key) == "" {
		return auth.Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return auth.Principal{}, err
	}
	if apiKey.UserID == "" {
		return auth.Principal{}, errors.New("api key missing user")
	}
	u, err := r.GetUser(ctx, apiKey.UserID)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{UserID: u.ID, Role: u.Role}, nil
}

func signDevToken(secret string, u domain.User, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: u.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, logger *zap.Logger) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := public[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				principal auth.Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
					return
				}
				principal, err = authenticateJWT(req.Context(), r, token, cfg.JWTSecret)
			case apiKeyHeader != "":
				principal, err = authenticateAPIKey(req.Context(), r, apiKeyHeader)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				logger.Debug("authentication failed", zap.String("path", req.URL.Path), zap.Error(err))
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
