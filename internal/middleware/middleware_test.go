package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newServer() *echo.Echo {
	e := echo.New()
	g := e.Group("", JWTMiddleware(secret))
	g.GET("/me", func(c echo.Context) error {
		id, err := UserID(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, echo.Map{"user_id": id, "role": c.Get("role")})
	})
	g.GET("/admin", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	}, RequireRoles("admin", "payments"))
	return e
}

func do(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddlewareSetsCaller(t *testing.T) {
	token, err := IssueToken(secret, "u1", "buyer", time.Hour)
	require.NoError(t, err)

	rec := do(newServer(), "/me", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user_id":"u1","role":"buyer"}`, rec.Body.String())
}

func TestJWTMiddlewareRejects(t *testing.T) {
	e := newServer()

	expired, err := IssueToken(secret, "u1", "buyer", -time.Minute)
	require.NoError(t, err)
	wrongKey, err := IssueToken([]byte("other"), "u1", "buyer", time.Hour)
	require.NoError(t, err)
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": wrongKey,
		"no user":   noUser,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(e, "/me", token)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
		})
	}
}

func TestRequireRoles(t *testing.T) {
	e := newServer()

	payments, err := IssueToken(secret, "svc", "payments", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do(e, "/admin", payments).Code)

	buyer, err := IssueToken(secret, "u1", "buyer", time.Hour)
	require.NoError(t, err)
	rec := do(e, "/admin", buyer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "access denied")

	noRole, err := IssueToken(secret, "u1", "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(e, "/admin", noRole).Code)
}
