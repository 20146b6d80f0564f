// Package api implements the modelshift REST API using chi.
package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth modes.
const (
	AuthDisabled = "disabled"
	AuthToken    = "token"
	AuthJWT      = "jwt"
)

// AuthConfig selects how requests are authenticated.
type AuthConfig struct {
	Mode      string
	Token     string
	JWTSecret string
}

// AuthMiddleware returns middleware that validates the Bearer credential.
// In token mode the credential must equal cfg.Token; in jwt mode it must be an
// HS256 token signed with cfg.JWTSecret. Any other mode lets requests through.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ok bool
			switch cfg.Mode {
			case AuthToken:
				cred, found := bearer(r)
				ok = found && cred == cfg.Token
			case AuthJWT:
				cred, found := bearer(r)
				ok = found && validJWT(cred, cfg.JWTSecret)
			default:
				ok = true
			}
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(auth, "Bearer "), true
}

func validJWT(raw, secret string) bool {
	if secret == "" {
		return false
	}
	tok, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return err == nil && tok.Valid
}
