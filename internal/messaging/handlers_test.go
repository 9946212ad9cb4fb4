package messaging

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/matmarket/internal/middleware"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

var testSecret = []byte("test-secret")

type api struct {
	t *testing.T
	e *echo.Echo
}

func newAPI(t *testing.T) *api {
	t.Helper()
	svc := NewService(NewMemoryStore(), nil)
	e := echo.New()
	g := e.Group("", middleware.JWTMiddleware(testSecret))
	NewHandler(svc, notify.NewHub(nil)).Register(g)
	return &api{t: t, e: e}
}

func (a *api) call(method, path, userID, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	token, err := middleware.IssueToken(testSecret, userID, "user", time.Hour)
	require.NoError(a.t, err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *api) open() string {
	a.t.Helper()
	rec := a.call(http.MethodPost, "/conversations", "b1", `{"buyer_id":"b1","seller_id":"s1","product_id":"p1"}`)
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv Conversation
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv.ID
}

func TestHandlerOpen(t *testing.T) {
	a := newAPI(t)
	id := a.open()

	rec := a.call(http.MethodPost, "/conversations", "s1", `{"buyer_id":"b1","seller_id":"s1","product_id":"p1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id)

	rec = a.call(http.MethodPost, "/conversations", "x", `{"buyer_id":"b1","seller_id":"s1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.call(http.MethodPost, "/conversations", "b1", `{"buyer_id":"b1","seller_id":"b1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerArchiveIsolation(t *testing.T) {
	a := newAPI(t)
	id := a.open()

	rec := a.call(http.MethodPost, "/conversations/"+id+"/archive", "b1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.True(t, v.Overlay.Archived)
	assert.Equal(t, RoleBuyer, v.Role)

	rec = a.call(http.MethodGet, "/conversations", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []View `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.False(t, list.Conversations[0].Overlay.Archived)

	rec = a.call(http.MethodPost, "/conversations/"+id+"/archive", "b1", `{"archived":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.False(t, v.Overlay.Archived)
}

func TestHandlerOverlayErrors(t *testing.T) {
	a := newAPI(t)
	id := a.open()

	rec := a.call(http.MethodPost, "/conversations/"+id+"/read", "x", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"not_a_participant"`)

	rec = a.call(http.MethodPost, "/conversations/"+id+"/mute", "b1", `{"until":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.call(http.MethodPost, "/conversations/nope/unmute", "b1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerUnreadFlow(t *testing.T) {
	a := newAPI(t)
	id := a.open()

	rec := a.call(http.MethodPost, "/conversations/"+id+"/incoming", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"conversation_id":"`+id+`","recipient_role":"buyer","unread":1}`, rec.Body.String())

	rec = a.call(http.MethodGet, "/conversations/unread", "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"product":1,"general":0,"total":1}`, rec.Body.String())

	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rec = a.call(http.MethodPost, "/conversations/"+id+"/mute", "b1", `{"until":"`+until+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(http.MethodPatch, "/conversations/"+id+"/title", "b1", `{"title":"Rebar"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title_override":"Rebar"`)

	rec = a.call(http.MethodPost, "/conversations/"+id+"/read", "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.call(http.MethodGet, "/conversations/unread", "b1", "")
	assert.JSONEq(t, `{"product":0,"general":0,"total":0}`, rec.Body.String())

	rec = a.call(http.MethodPost, "/conversations/"+id+"/delete", "s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = a.call(http.MethodGet, "/conversations/"+id, "b1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":false`)
}
