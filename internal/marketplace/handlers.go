package marketplace

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/sudo-init-do/matmarket/internal/apperr"
	"github.com/sudo-init-do/matmarket/internal/middleware"
	"github.com/sudo-init-do/matmarket/internal/notify"
)

type Handler struct {
	svc *Service
	hub *notify.Hub
}

func NewHandler(svc *Service, hub *notify.Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Register mounts buyer/seller routes on api and the payment routes on
// admin. Both groups must already be authenticated.
func (h *Handler) Register(api, admin *echo.Group) {
	api.POST("/conversations/:id/offers", h.MakeOffer)
	api.GET("/conversations/:id/offers", h.ListOffers)

	api.GET("/offers/:id", h.GetOffer)
	api.POST("/offers/:id/accept", h.AcceptOffer)
	api.POST("/offers/:id/reject", h.RejectOffer)
	api.POST("/offers/:id/withdraw", h.WithdrawOffer)
	api.POST("/offers/:id/reserve", h.ReserveOffer)
	api.POST("/offers/:id/buy", h.Buy)

	api.GET("/orders/:id", h.GetOrder)

	api.PUT("/products/:id/stock", h.SetStock)
	api.GET("/products/:id/availability", h.Availability)
	api.GET("/products/:id/ws", h.Subscribe)

	payments := middleware.RequireRoles("admin", "payments")
	admin.POST("/offers/:id/finalize", h.Finalize, payments)
	admin.POST("/orders/:id/confirm", h.ConfirmPayment, payments)
}

// MakeOffer - buyer proposes price and quantity in a product conversation
func (h *Handler) MakeOffer(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	var in OfferInput
	if err := c.Bind(&in); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	offer, err := h.svc.MakeOffer(c.Request().Context(), userID, c.Param("id"), in)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, offer)
}

func (h *Handler) ListOffers(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	offers, err := h.svc.ListOffers(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"offers": offers})
}

func (h *Handler) GetOffer(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	offer, err := h.svc.GetOffer(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}

func (h *Handler) AcceptOffer(c echo.Context) error {
	return h.offerCommand(c, h.svc.AcceptOffer)
}

func (h *Handler) RejectOffer(c echo.Context) error {
	return h.offerCommand(c, h.svc.RejectOffer)
}

func (h *Handler) WithdrawOffer(c echo.Context) error {
	return h.offerCommand(c, h.svc.WithdrawOffer)
}

// ReserveOffer - seller claims stock for an accepted offer
func (h *Handler) ReserveOffer(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	var req struct {
		Quantity *decimal.Decimal `json:"quantity"`
		Price    *decimal.Decimal `json:"price"`
	}
	if err := c.Bind(&req); err != nil || req.Quantity == nil {
		return apperr.Respond(c, apperr.Validation("quantity is required"))
	}
	offer, err := h.svc.ReserveOffer(c.Request().Context(), userID, c.Param("id"), *req.Quantity, req.Price)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}

// Buy - buyer purchases a reserved offer
func (h *Handler) Buy(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	order, err := h.svc.Buy(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetOrder(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	order, err := h.svc.GetOrder(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

// SetStock - seller registers a product or changes its stock
func (h *Handler) SetStock(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	var req struct {
		Quantity *decimal.Decimal `json:"quantity"`
	}
	if err := c.Bind(&req); err != nil || req.Quantity == nil {
		return apperr.Respond(c, apperr.Validation("quantity is required"))
	}
	product, err := h.svc.SetStock(c.Request().Context(), userID, c.Param("id"), *req.Quantity)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, product)
}

func (h *Handler) Availability(c echo.Context) error {
	a, err := h.svc.Availability(c.Request().Context(), c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// Subscribe streams offer and stock events for one product.
func (h *Handler) Subscribe(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	if _, err := h.svc.Availability(c.Request().Context(), c.Param("id")); err != nil {
		return apperr.Respond(c, err)
	}
	return h.hub.Serve(c, notify.ProductTopic(c.Param("id")), userID)
}

type paymentRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// Finalize - payment provider callback path once settlement is confirmed
func (h *Handler) Finalize(c echo.Context) error {
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	order, err := h.svc.Finalize(c.Request().Context(), c.Param("id"), req.PaymentReference)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusCreated, order)
}

func (h *Handler) ConfirmPayment(c echo.Context) error {
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	order, err := h.svc.ConfirmPayment(c.Request().Context(), c.Param("id"), req.PaymentReference)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *Handler) offerCommand(c echo.Context, cmd func(ctx context.Context, callerID, offerID string) (*Offer, error)) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	offer, err := cmd(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, offer)
}
