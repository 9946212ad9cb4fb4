package marketplace

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

	"github.com/sudo-init-do/matmarket/internal/messaging"
	"github.com/sudo-init-do/matmarket/internal/middleware"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

var testSecret = []byte("test-secret")

type httpFixture struct {
	*fixture
	e *echo.Echo
}

func newHTTPFixture(t *testing.T, stock string) *httpFixture {
	t.Helper()
	f := newFixture(t, stock)
	e := echo.New()
	api := e.Group("", middleware.JWTMiddleware(testSecret))
	admin := e.Group("/admin", middleware.JWTMiddleware(testSecret))
	hub := notify.NewHub(nil)
	messaging.NewHandler(f.convs, hub).Register(api)
	NewHandler(f.svc, hub).Register(api, admin)
	return &httpFixture{fixture: f, e: e}
}

func (h *httpFixture) call(method, path, userID, role, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	token, err := middleware.IssueToken(testSecret, userID, role, time.Hour)
	require.NoError(h.t, err)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHTTPNegotiationFlow(t *testing.T) {
	h := newHTTPFixture(t, "100")

	rec := h.call(http.MethodPost, "/conversations", buyer, "user",
		`{"buyer_id":"`+buyer+`","seller_id":"`+seller+`","product_id":"`+product+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[messaging.Conversation](t, rec)

	rec = h.call(http.MethodPost, "/conversations/"+conv.ID+"/offers", buyer, "user", `{"price":"5.00","quantity":100}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	offer := decode[Offer](t, rec)
	assert.Equal(t, StatusPending, offer.Status)

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/accept", buyer, "user", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/accept", seller, "user", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/reserve", seller, "user", `{"quantity":"101"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "insufficient_availability", body["code"])
	assert.Equal(t, "100", body["available"])

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/reserve", seller, "user", `{"quantity":"40","price":"4.50"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.call(http.MethodGet, "/products/"+product+"/availability", buyer, "user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[Availability](t, rec)
	assertDec(t, "60", avail.Available)
	assert.False(t, avail.SoldOut)

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/buy", buyer, "user", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[Order](t, rec)
	assertDec(t, "180", order.AmountTotal)

	rec = h.call(http.MethodPost, "/offers/"+offer.ID+"/buy", buyer, "user", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, "already_finalized", body["code"])
	assert.Equal(t, order.ID, body["order_id"])

	rec = h.call(http.MethodGet, "/conversations/"+conv.ID+"/offers", seller, "user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Offers []Offer `json:"offers"`
	}](t, rec)
	require.Len(t, list.Offers, 1)
	assert.Equal(t, StatusPurchased, list.Offers[0].Status)

	rec = h.call(http.MethodGet, "/orders/"+order.ID, buyer, "user", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPPaymentRoutesNeedRole(t *testing.T) {
	h := newHTTPFixture(t, "10")
	o := h.accepted(buyer, "2", nil)
	_, err := h.svc.ReserveOffer(h.ctx, seller, o.ID, dec("5"), nil)
	require.NoError(t, err)

	rec := h.call(http.MethodPost, "/admin/offers/"+o.ID+"/finalize", buyer, "user", `{"payment_reference":"pay_1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.call(http.MethodPost, "/admin/offers/"+o.ID+"/finalize", "psp", "payments", `{"payment_reference":"pay_1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[Order](t, rec)
	assert.Equal(t, OrderPaid, order.Status)

	rec = h.call(http.MethodPost, "/admin/orders/"+order.ID+"/confirm", "ops", "admin", `{"payment_reference":"pay_1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.call(http.MethodPost, "/admin/orders/"+order.ID+"/confirm", "ops", "admin", `{"payment_reference":"pay_2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTPSetStockAndValidation(t *testing.T) {
	h := newHTTPFixture(t, "10")

	rec := h.call(http.MethodPut, "/products/p7/stock", "s7", "user", `{"quantity":"12.5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decode[Product](t, rec)
	assertDec(t, "12.5", p.Quantity)

	rec = h.call(http.MethodPut, "/products/p7/stock", "s7", "user", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.call(http.MethodGet, "/products/nope/availability", "s7", "user", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	conv := h.conversation(buyer)
	rec = h.call(http.MethodPost, "/conversations/"+conv.ID+"/offers", buyer, "user", `{"price":"0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.call(http.MethodPost, "/offers/missing/withdraw", buyer, "user", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
