package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig controls the admin bearer check on the management surface.
// Worker-facing endpoints authenticate per request with worker credentials
// and are exempt here.
type AuthConfig struct {
	JWTSecret string
}

type adminClaims struct {
	jwt.RegisteredClaims
}

func authenticateAdmin(token, secret string) error {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &adminClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid token")
	}
	if claims.Subject == "" {
		return errors.New("subject claim required")
	}
	return nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// workerExempt reports whether a path skips the admin bearer: health, the
// board feed, and endpoints reached with worker or registration credentials.
func workerExempt(basePath, reqPath string) bool {
	if reqPath == path.Join(basePath, "health") {
		return true
	}
	if reqPath == path.Join(basePath, "workers/register") {
		return true
	}
	if strings.HasPrefix(reqPath, path.Join(basePath, "streams")+"/") {
		return true
	}
	if strings.HasPrefix(reqPath, path.Join(basePath, "workers")+"/") && strings.HasSuffix(reqPath, "/heartbeat") {
		return true
	}
	if strings.HasPrefix(reqPath, path.Join(basePath, "board")+"/") {
		return true
	}
	return false
}

// newAdminAuthMiddleware enforces an HS256 bearer on the management surface
// when a secret is configured. With no secret the API runs open, which suits
// local single-operator deployments.
func newAdminAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if cfg.JWTSecret == "" {
				next.ServeHTTP(w, req)
				return
			}
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if workerExempt(basePath, req.URL.Path) {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required"))
				return
			}
			if err := authenticateAdmin(token, cfg.JWTSecret); err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials"))
				return
			}
			next.ServeHTTP(w, req)
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
