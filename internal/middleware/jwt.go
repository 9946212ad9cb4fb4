package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/sudo-init-do/matmarket/internal/apperr"
)

const bearerPrefix = "Bearer "

// JWTMiddleware verifies the HS256 bearer token and stores the caller's
// user_id and role on the context. Tokens are issued elsewhere.
func JWTMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return apperr.Respond(c, apperr.Unauthorized("missing Authorization header"))
			}
			if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) == len(bearerPrefix) {
				return apperr.Respond(c, apperr.Unauthorized("invalid Authorization format"))
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(authHeader[len(bearerPrefix):], claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return secret, nil
			}, jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				return apperr.Respond(c, apperr.Unauthorized("invalid or expired token"))
			}

			userID, ok := claims["user_id"].(string)
			if !ok || userID == "" {
				return apperr.Respond(c, apperr.Unauthorized("invalid token claims"))
			}
			role, _ := claims["role"].(string)

			c.Set("user_id", userID)
			c.Set("role", role)
			return next(c)
		}
	}
}

// UserID returns the authenticated caller set by JWTMiddleware.
func UserID(c echo.Context) (string, error) {
	userID, ok := c.Get("user_id").(string)
	if !ok || userID == "" {
		return "", apperr.Unauthorized("unauthorized")
	}
	return userID, nil
}

// IssueToken signs a token carrying the claims JWTMiddleware reads.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
