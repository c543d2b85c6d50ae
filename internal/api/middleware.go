/**
 * @description
 * Authorization middleware for the jobs-service HTTP surface.
 */
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalContextKey = contextKey("principal")

const adminRole = "admin"

// Principal is the authenticated caller of an internal endpoint.
type Principal struct {
	Kind    string // "cron", "internal" or "admin"
	Subject string
}

func (p Principal) String() string {
	if p.Subject == "" {
		return p.Kind
	}
	return p.Kind + ":" + p.Subject
}

// PrincipalFromContext retrieves the caller stored by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// TriggerAuthMiddleware admits the cron caller holding the shared secret, or
// an admin presenting an HS256 token.
func TriggerAuthMiddleware(cronSecret, adminJWTSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
			}
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if secretMatches(token, cronSecret) {
				next.ServeHTTP(w, withPrincipal(r, Principal{Kind: "cron"}))
				return
			}
			if sub, err := parseAdminToken(token, adminJWTSecret); err == nil {
				next.ServeHTTP(w, withPrincipal(r, Principal{Kind: "admin", Subject: sub}))
				return
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

// OperatorAuthMiddleware admits service callers holding the internal API key,
// or an admin presenting an HS256 token.
func OperatorAuthMiddleware(internalKey, adminJWTSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" && secretMatches(provided, internalKey) {
				next.ServeHTTP(w, withPrincipal(r, Principal{Kind: "internal"}))
				return
			}
			if token := bearerToken(r); token != "" {
				if sub, err := parseAdminToken(token, adminJWTSecret); err == nil {
					next.ServeHTTP(w, withPrincipal(r, Principal{Kind: "admin", Subject: sub}))
					return
				}
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, p))
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return strings.TrimSpace(token)
}

// An empty configured secret never matches.
func secretMatches(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

func parseAdminToken(tokenString, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("admin tokens are not enabled")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	if role, _ := claims["role"].(string); role != adminRole {
		return "", fmt.Errorf("token lacks admin role")
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}
