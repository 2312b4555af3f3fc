package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/redisx"
)

type OrderService interface {
	CreateOrder(ctx context.Context, in orders.CreateInput) (*orders.CreateResult, error)
	CancelOrder(ctx context.Context, userID, orderID string) (*orders.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*orders.Order, error)
	ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, error)
}

// IdempotencyGuard remembers which order an Idempotency-Key produced.
type IdempotencyGuard interface {
	Claim(ctx context.Context, userID, key string) (orderID string, claimed bool, err error)
	Complete(ctx context.Context, userID, key, orderID string) error
	Release(ctx context.Context, userID, key string) error
}

type OrdersHandler struct {
	Svc         OrderService
	Idempotency IdempotencyGuard // optional
	responder
}

func NewOrdersHandler(svc OrderService, idem IdempotencyGuard, production bool) *OrdersHandler {
	return &OrdersHandler{Svc: svc, Idempotency: idem, responder: responder{Production: production}}
}

func (h *OrdersHandler) Routes(r chi.Router) {
	r.Post("/orders", h.create)
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Put("/orders/{id}", h.cancel)
}

type createOrderReq struct {
	ShippingAddressID string `json:"shippingAddressId"`
	PaymentMethod     string `json:"paymentMethod"`
	MoMoPhone         string `json:"momoPhone"`
}

func (h *OrdersHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "INVALID_BODY", "invalid json")
		return
	}
	if req.ShippingAddressID == "" || req.PaymentMethod == "" {
		h.badRequest(w, "VALIDATION_ERROR", "shippingAddressId and paymentMethod are required")
		return
	}
	method, err := orders.ParseMethod(req.PaymentMethod)
	if err != nil {
		h.fail(w, r, err, "ORDER_CREATION_FAILED", nil)
		return
	}

	ctx := r.Context()
	userID := UserIDFromContext(ctx)
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	guarded := false
	if key != "" && h.Idempotency != nil {
		orderID, claimed, err := h.Idempotency.Claim(ctx, userID, key)
		switch {
		case errors.Is(err, redisx.ErrRequestInProgress):
			h.fail(w, r, err, "ORDER_CREATION_FAILED", nil)
			return
		case err != nil:
			logging.FromContext(ctx).Warn("idempotency_unavailable", zap.Error(err))
		case !claimed:
			o, err := h.Svc.GetOrder(ctx, userID, orderID)
			if err != nil {
				h.fail(w, r, err, "ORDER_CREATION_FAILED", nil)
				return
			}
			ok(w, http.StatusOK, "Order already placed", map[string]any{"order": o})
			return
		default:
			guarded = true
		}
	}

	res, err := h.Svc.CreateOrder(ctx, orders.CreateInput{
		UserID:            userID,
		ShippingAddressID: req.ShippingAddressID,
		PaymentMethod:     method,
		MoMoPhone:         req.MoMoPhone,
	})
	if guarded {
		h.settleKey(ctx, userID, key, res)
	}
	if err != nil {
		var data any
		if res != nil {
			data = res
		}
		h.fail(w, r, err, "ORDER_CREATION_FAILED", data)
		return
	}
	ok(w, http.StatusCreated, "Order placed successfully", res)
}

// settleKey binds the key to the committed order, or frees it when nothing
// was committed so the client may retry.
func (h *OrdersHandler) settleKey(ctx context.Context, userID, key string, res *orders.CreateResult) {
	var err error
	if res == nil || res.Order == nil {
		err = h.Idempotency.Release(ctx, userID, key)
	} else {
		err = h.Idempotency.Complete(ctx, userID, key, res.Order.ID)
	}
	if err != nil {
		logging.FromContext(ctx).Warn("idempotency_update_failed", zap.String("key", key), zap.Error(err))
	}
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	f := orders.ListFilter{UserID: UserIDFromContext(r.Context()), Limit: limit}.Normalize()
	f.Offset = (page - 1) * f.Limit

	if raw := q.Get("status"); raw != "" {
		st := orders.OrderStatus(strings.ToUpper(raw))
		if !st.Valid() {
			h.badRequest(w, "INVALID_STATUS", "unknown order status: "+raw)
			return
		}
		f.Status = &st
	}

	list, err := h.Svc.ListOrders(r.Context(), f)
	if err != nil {
		h.fail(w, r, err, "ORDER_LIST_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", map[string]any{"orders": list, "page": page, "limit": f.Limit})
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Svc.GetOrder(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "ORDER_FETCH_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", o)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	o, err := h.Svc.CancelOrder(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "ORDER_CANCELLATION_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "Order cancelled successfully", o)
}
