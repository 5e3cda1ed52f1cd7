package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/socialchat/internal/logger"
)

var errNoToken = errors.New("missing bearer token")

// TokenFromRequest достаёт токен из Authorization: Bearer или из ?token= (браузерный WebSocket не умеет заголовки).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ParseSubject проверяет HS256-подпись и срок действия и возвращает claim sub.
func ParseSubject(secret []byte, raw string) (string, error) {
	if raw == "" {
		return "", errNoToken
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// BearerAuth пропускает запрос только с валидным JWT; user_id берётся из sub.
// Пустой secret означает dev-режим: user_id читается из X-User-ID без проверки.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				if uid := strings.TrimSpace(r.Header.Get("X-User-ID")); uid != "" {
					next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
					return
				}
				writeUnauthorized(w, "missing X-User-ID")
				return
			}
			sub, err := ParseSubject(key, TokenFromRequest(r))
			if err != nil {
				logger.Debugf("auth: %s %s: %v", r.Method, r.URL.Path, err)
				writeUnauthorized(w, "invalid or missing token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), sub)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
