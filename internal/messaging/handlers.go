package messaging

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

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

// Register mounts the conversation routes on an authenticated group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/conversations", h.Open)
	g.GET("/conversations", h.List)
	g.GET("/conversations/unread", h.UnreadTotals)
	g.GET("/conversations/:id", h.Get)
	g.PATCH("/conversations/:id/title", h.Rename)
	g.POST("/conversations/:id/archive", h.SetArchived)
	g.POST("/conversations/:id/delete", h.SoftDelete)
	g.POST("/conversations/:id/mute", h.Mute)
	g.POST("/conversations/:id/unmute", h.Unmute)
	g.POST("/conversations/:id/read", h.MarkRead)
	g.POST("/conversations/:id/incoming", h.RecordIncoming)
	g.GET("/conversations/:id/ws", h.Subscribe)
}

// Open - caller starts (or resumes) a conversation with the other party
func (h *Handler) Open(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}

	var req struct {
		BuyerID   string `json:"buyer_id"`
		SellerID  string `json:"seller_id"`
		ProductID string `json:"product_id"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	conv, created, err := h.svc.Open(c.Request().Context(), userID, req.BuyerID, req.SellerID, req.ProductID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, conv)
}

func (h *Handler) List(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	views, err := h.svc.List(c.Request().Context(), userID, c.QueryParam("archived") == "true")
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"conversations": views})
}

func (h *Handler) Get(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	v, err := h.svc.View(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) UnreadTotals(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	totals, err := h.svc.UnreadTotals(c.Request().Context(), userID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, totals)
}

func (h *Handler) Rename(c echo.Context) error {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.Rename(c.Request().Context(), id, userID, req.Title)
	})
}

// SetArchived archives by default; {"archived": false} restores.
func (h *Handler) SetArchived(c echo.Context) error {
	req := struct {
		Archived *bool `json:"archived"`
	}{}
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, apperr.Validation("invalid payload"))
	}
	archived := req.Archived == nil || *req.Archived
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.SetArchived(c.Request().Context(), id, userID, archived)
	})
}

func (h *Handler) SoftDelete(c echo.Context) error {
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.SoftDelete(c.Request().Context(), id, userID)
	})
}

func (h *Handler) Mute(c echo.Context) error {
	var req struct {
		Until string `json:"until"`
	}
	if err := c.Bind(&req); err != nil || req.Until == "" {
		return apperr.Respond(c, apperr.Validation("until is required"))
	}
	until, err := time.Parse(time.RFC3339, req.Until)
	if err != nil {
		return apperr.Respond(c, apperr.Validation("invalid until timestamp, use RFC3339"))
	}
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.Mute(c.Request().Context(), id, userID, until)
	})
}

func (h *Handler) Unmute(c echo.Context) error {
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.Unmute(c.Request().Context(), id, userID)
	})
}

func (h *Handler) MarkRead(c echo.Context) error {
	return h.overlay(c, func(id, userID string) (*View, error) {
		return h.svc.MarkRead(c.Request().Context(), id, userID)
	})
}

// RecordIncoming - the chat transport reports a message sent by the caller
func (h *Handler) RecordIncoming(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	o, err := h.svc.RecordIncoming(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"conversation_id": o.ConversationID, "recipient_role": o.Role, "unread": o.Unread})
}

// Subscribe streams change events for one conversation to a participant.
func (h *Handler) Subscribe(c echo.Context) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	conv, _, err := h.svc.Authorize(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return h.hub.Serve(c, notify.ConversationTopic(conv.ID), userID)
}

func (h *Handler) overlay(c echo.Context, fn func(id, userID string) (*View, error)) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return apperr.Respond(c, err)
	}
	v, err := fn(c.Param("id"), userID)
	if err != nil {
		return apperr.Respond(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
