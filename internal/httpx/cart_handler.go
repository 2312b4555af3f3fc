package httpx

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teckw/go-shop-orders/internal/cart"
	"github.com/teckw/go-shop-orders/internal/orders"
)

type CartService interface {
	Get(ctx context.Context, userID string) (*cart.View, error)
	Add(ctx context.Context, userID, productID string, qty int) (*cart.View, error)
}

type NotificationLister interface {
	List(ctx context.Context, userID string, limit int) ([]orders.Notification, error)
}

type CartHandler struct {
	Cart  CartService
	Inbox NotificationLister
	responder
}

func NewCartHandler(c CartService, inbox NotificationLister, production bool) *CartHandler {
	return &CartHandler{Cart: c, Inbox: inbox, responder: responder{Production: production}}
}

func (h *CartHandler) Routes(r chi.Router) {
	r.Get("/cart", h.get)
	r.Post("/cart/items", h.add)
	r.Get("/notifications", h.notifications)
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	v, err := h.Cart.Get(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err, "CART_FETCH_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", v)
}

type addItemReq struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

func (h *CartHandler) add(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "INVALID_BODY", "invalid json")
		return
	}
	if req.ProductID == "" {
		h.badRequest(w, "VALIDATION_ERROR", "productId is required")
		return
	}
	v, err := h.Cart.Add(r.Context(), UserIDFromContext(r.Context()), req.ProductID, req.Quantity)
	if err != nil {
		h.fail(w, r, err, "CART_UPDATE_FAILED", nil)
		return
	}
	ok(w, http.StatusCreated, "Item added to cart", v)
}

func (h *CartHandler) notifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.Inbox.List(r.Context(), UserIDFromContext(r.Context()), 0)
	if err != nil {
		h.fail(w, r, err, "NOTIFICATION_FETCH_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", list)
}
