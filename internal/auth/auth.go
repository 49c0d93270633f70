// Package auth issues and verifies the bearer tokens used by gateway clients
// and publishers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Scopes carried in the "scope" claim.
const (
	ScopeSubscribe = "subscribe"
	ScopePublish   = "publish"
	ScopeAdmin     = "admin"
)

const contextKey = "user"

// TokenLookup accepts the Authorization header and, for browser EventSource
// and WebSocket clients that cannot set headers, a token query parameter.
const TokenLookup = "header:Authorization:Bearer ,query:token"

var (
	ErrMissingToken   = errors.New("missing token")
	ErrEmptySecret    = errors.New("jwt secret is required")
	ErrEmptySubject   = errors.New("subject is required")
	ErrInvalidExpires = errors.New("expires in must be positive")
)

// GenerateToken signs an HS256 token for subject with the given scopes.
func GenerateToken(subject, secret string, expiresIn time.Duration, scopes ...string) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, ErrEmptySecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrEmptySubject
	}
	if expiresIn <= 0 {
		return "", time.Time{}, ErrInvalidExpires
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		"sub":   subject,
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"scope": strings.Join(scopes, " "),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// JWTMiddleware verifies bearer tokens on every request not skipped.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(secret),
		ContextKey:  contextKey,
		TokenLookup: TokenLookup,
		Skipper:     skipper,
	})
}

// SubjectFromContext returns the verified token subject.
func SubjectFromContext(c echo.Context) (string, error) {
	claims, err := claimsFromContext(c)
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "token subject missing")
	}
	return sub, nil
}

// HasScope reports whether the verified token grants scope. The admin scope
// grants every scope.
func HasScope(c echo.Context, scope string) bool {
	claims, err := claimsFromContext(c)
	if err != nil {
		return false
	}
	raw, _ := claims["scope"].(string)
	scopes := strings.Fields(raw)
	return slices.Contains(scopes, scope) || slices.Contains(scopes, ScopeAdmin)
}

// RequireScope rejects requests whose token lacks scope with 403.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasScope(c, scope) {
				return echo.NewHTTPError(http.StatusForbidden, "token lacks scope "+scope)
			}
			return next(c)
		}
	}
}

func claimsFromContext(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get(contextKey).(*jwt.Token)
	if !ok || token == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, ErrMissingToken.Error())
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}
