package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/b2bmarket/tradechat/internal/types"
	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	roleClaim   = "role"
	expClaim    = "exp"

	tokenCookieKey = "token"
)

type contextKey string

const (
	userIdKey contextKey = "user-id"
	roleKey   contextKey = "role"
)

// WithSession stores the authenticated user id and role on the context.
func WithSession(ctx context.Context, userId string, role types.Role) context.Context {
	ctx = context.WithValue(ctx, userIdKey, userId)
	return context.WithValue(ctx, roleKey, role)
}

func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)

	return userId, ok
}

func UserRole(ctx context.Context) (types.Role, bool) {
	role, ok := ctx.Value(roleKey).(types.Role)

	return role, ok
}

// sessionToken pulls the session JWT from the token cookie, falling
// back to an Authorization bearer header for non-browser clients.
func sessionToken(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(tokenCookieKey); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}

	authz := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok && token != "" {
		return token, true
	}

	return "", false
}

func (s *TradeChatApp) extractSessionFromToken(tokenString string) (string, types.Role, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return "", "", fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid token claims")
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return "", "", fmt.Errorf("invalid user id claim")
	}

	roleStr, ok := claims[roleClaim].(string)
	if !ok {
		return "", "", fmt.Errorf("invalid role claim")
	}

	role := types.Role(roleStr)
	if !role.Valid() {
		return "", "", fmt.Errorf("unknown role %q", roleStr)
	}

	return userId, role, nil
}

func (s *TradeChatApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// CreateSessionToken mints a signed session token for a user. Session
// tokens are normally issued by the marketplace's identity service;
// this exists for local development and tests.
func CreateSessionToken(signingKey []byte, userId string, role types.Role, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		roleClaim:   string(role),
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
