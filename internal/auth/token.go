package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	CookieName        = "token"
	DefaultExpiration = 24 * time.Hour

	userIdClaim = "user-id"
)

var ErrNoToken = errors.New("no session token")

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId int) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

func UserId(ctx context.Context) (int, bool) {
	userId, ok := ctx.Value(userIdKey).(int)
	return userId, ok
}

// Issue signs a session token for userId. Tokens are minted by the seed
// tool and tests; the service itself only verifies them.
func Issue(key []byte, userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		"exp":       jwt.NewNumericDate(time.Now().Add(exp)),
		"iat":       jwt.NewNumericDate(time.Now()),
	})

	return token.SignedString(key)
}

// Verify checks the signature and expiry of tokenString and returns the
// user id it carries.
func Verify(key []byte, tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("invalid user id claim")
	}

	return int(userId), nil
}

// TokenFromRequest looks for a session token in the cookie, then the
// Authorization header, then the token query parameter. Browsers cannot set
// headers on websocket upgrades, hence the query fallback.
func TokenFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && token != "" {
			return strings.TrimSpace(token), nil
		}
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}

	return "", ErrNoToken
}

func Cookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
