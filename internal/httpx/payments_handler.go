package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/payments"
)

type PaymentService interface {
	Create(ctx context.Context, in payments.CreateInput) (*payments.CreateResult, error)
	Get(ctx context.Context, userID, paymentID string) (*orders.Payment, error)
	Verify(ctx context.Context, userID, paymentID string) (*payments.VerifyResult, error)
	HandleCallback(ctx context.Context, reference, rawStatus string) (bool, error)
}

// CallbackDedup drops repeated webhook deliveries.
type CallbackDedup interface {
	Seen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type PaymentsHandler struct {
	Svc   PaymentService
	Dedup CallbackDedup // optional
	responder
}

func NewPaymentsHandler(svc PaymentService, dedup CallbackDedup, production bool) *PaymentsHandler {
	return &PaymentsHandler{Svc: svc, Dedup: dedup, responder: responder{Production: production}}
}

// Routes mounts the authenticated endpoints.
func (h *PaymentsHandler) Routes(r chi.Router) {
	r.Post("/payments", h.create)
	r.Get("/payments/{id}", h.get)
	r.Get("/payments/{id}/verify", h.verify)
}

// Webhook mounts the provider callback, which carries no user token.
func (h *PaymentsHandler) Webhook(r chi.Router) {
	r.Post("/payments/webhook/momo", h.callback)
}

type createPaymentReq struct {
	OrderID       string `json:"orderId"`
	PaymentMethod string `json:"paymentMethod"`
	MoMoPhone     string `json:"momoPhone"`
}

func (h *PaymentsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentReq
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "INVALID_BODY", "invalid json")
		return
	}
	if req.OrderID == "" || req.PaymentMethod == "" {
		h.badRequest(w, "VALIDATION_ERROR", "orderId and paymentMethod are required")
		return
	}
	method, err := orders.ParseMethod(req.PaymentMethod)
	if err != nil {
		h.fail(w, r, err, "PAYMENT_CREATION_FAILED", nil)
		return
	}
	res, err := h.Svc.Create(r.Context(), payments.CreateInput{
		UserID:    UserIDFromContext(r.Context()),
		OrderID:   req.OrderID,
		Method:    method,
		MoMoPhone: req.MoMoPhone,
	})
	if err != nil {
		var data any
		if res != nil {
			data = res
		}
		h.fail(w, r, err, "PAYMENT_CREATION_FAILED", data)
		return
	}
	ok(w, http.StatusCreated, res.Message, res)
}

func (h *PaymentsHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Svc.Get(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "PAYMENT_FETCH_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", p)
}

func (h *PaymentsHandler) verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.Svc.Verify(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err, "PAYMENT_VERIFICATION_FAILED", nil)
		return
	}
	ok(w, http.StatusOK, "", res)
}

type momoCallbackReq struct {
	ReferenceID string `json:"referenceId"`
	ExternalID  string `json:"externalId"`
	Status      string `json:"status"`
}

// callback answers 200 for everything but a malformed body so the provider
// does not retry.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	var req momoCallbackReq
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "INVALID_BODY", "invalid json")
		return
	}
	ref := req.ReferenceID
	if ref == "" {
		ref = req.ExternalID
	}
	if ref == "" || req.Status == "" {
		h.badRequest(w, "VALIDATION_ERROR", "referenceId and status are required")
		return
	}

	ctx := r.Context()
	log := logging.FromContext(ctx).With(zap.String("reference", ref))
	dedupID := ref + ":" + strings.ToUpper(req.Status)
	if h.Dedup != nil {
		seen, err := h.Dedup.Seen(ctx, dedupID)
		if err != nil {
			log.Warn("callback_dedup_unavailable", zap.Error(err))
		} else if seen {
			writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Callback processed successfully"})
			return
		}
	}

	found, err := h.Svc.HandleCallback(ctx, ref, req.Status)
	switch {
	case err != nil:
		log.Error("callback_failed", zap.Error(err))
		if h.Dedup != nil {
			if ferr := h.Dedup.Forget(ctx, dedupID); ferr != nil {
				log.Warn("callback_dedup_forget_failed", zap.Error(ferr))
			}
		}
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "Webhook received with errors"})
	case !found:
		writeJSON(w, http.StatusOK, envelope{Success: false, Message: "Payment reference not found"})
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Callback processed successfully"})
	}
}
