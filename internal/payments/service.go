// Package payments owns the payment lifecycle around the mobile-money gateway.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/metrics"
	"github.com/teckw/go-shop-orders/internal/momo"
	"github.com/teckw/go-shop-orders/internal/orders"
)

var tracer = otel.Tracer("github.com/teckw/go-shop-orders/internal/payments")

var (
	ErrPaymentNotFound   = apperr.New(apperr.NotFound, "PAYMENT_NOT_FOUND", "payment not found")
	ErrPaymentInProgress = apperr.New(apperr.Conflict, "PAYMENT_IN_PROGRESS", "order already has a payment in progress")
)

// Gateway is the subset of the mobile-money client the service needs.
type Gateway interface {
	RequestToPay(ctx context.Context, r momo.PayRequest) error
	Status(ctx context.Context, reference string) (string, error)
	CheckStatus(ctx context.Context, reference string) orders.PaymentStatus
	PaymentURL(reference string) string
	NormalizePhone(raw string) (string, error)
}

type Service struct {
	Store    orders.Store
	Gateway  Gateway
	Notifier orders.Notifier
	Metrics  *metrics.Metrics
	Currency string
	Producer string
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

const persistTimeout = 5 * time.Second

// ValidatePhone rejects payer numbers the gateway could never accept.
func (s *Service) ValidatePhone(phone string) error {
	if strings.TrimSpace(phone) == "" {
		return orders.ErrPhoneRequired
	}
	_, err := s.Gateway.NormalizePhone(phone)
	return err
}

// Initiate submits the pay-request for p and records the outcome: INITIATED
// with the reference as transaction id, or FAILED with the error message.
func (s *Service) Initiate(ctx context.Context, p *orders.Payment, phone, orderNumber string) (*orders.Initiation, error) {
	gwErr := s.Gateway.RequestToPay(ctx, momo.PayRequest{
		Reference:   p.Reference,
		Amount:      p.Amount,
		Phone:       phone,
		OrderNumber: orderNumber,
	})

	// The gateway may have failed because ctx expired; the outcome is
	// still written.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := s.Store.WithTx(pctx, func(ctx context.Context, tx orders.Tx) error {
		cur, err := tx.GetPayment(ctx, p.ID, true)
		if err != nil {
			return err
		}
		next := orders.PaymentInitiated
		if gwErr != nil {
			next = orders.PaymentFailed
		}
		dirty := false
		// A callback may already have moved the payment past next.
		if orders.CanTransitionPayment(cur.Status, next) {
			cur.Status = next
			if gwErr != nil {
				msg := gwErr.Error()
				cur.LastError = &msg
			}
			dirty = true
		}
		if gwErr == nil && cur.TransactionID == nil {
			ref := cur.Reference
			cur.TransactionID = &ref
			dirty = true
		}
		if dirty {
			cur.UpdatedAt = s.now()
			if err := tx.UpdatePayment(ctx, cur); err != nil {
				return err
			}
		}
		*p = *cur
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Error("payment_state_persist_failed",
			zap.String("payment_id", p.ID), zap.NamedError("gateway_error", gwErr), zap.Error(err))
		if gwErr != nil {
			return nil, gwErr
		}
		return nil, err
	}
	if gwErr != nil {
		return nil, gwErr
	}
	return &orders.Initiation{
		Reference:  p.Reference,
		PaymentURL: s.Gateway.PaymentURL(p.Reference),
		Status:     p.Status,
	}, nil
}

type CreateInput struct {
	UserID    string
	OrderID   string
	Method    orders.PaymentMethod
	MoMoPhone string
}

type CreateResult struct {
	Payment    *orders.Payment    `json:"payment"`
	Order      *orders.Order      `json:"order"`
	Initiation *orders.Initiation `json:"initiation,omitempty"`
	Message    string             `json:"message"`
}

const (
	MessageMoMo = "Payment request sent to your mobile phone. Please check and approve."
	MessageCOD  = "Order created. Payment expected on delivery"
)

// Create opens a fresh payment for an order still awaiting payment. The
// previous attempt must already be terminal.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	switch in.Method {
	case orders.MethodCOD:
	case orders.MethodMoMo:
		if err := s.ValidatePhone(in.MoMoPhone); err != nil {
			return nil, err
		}
	default:
		return nil, orders.ErrUnsupportedMethod
	}

	now := s.now()
	var (
		order *orders.Order
		pay   *orders.Payment
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, in.OrderID, true)
		if errors.Is(err, orders.ErrRecordNotFound) {
			return orders.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if order.UserID != in.UserID {
			return apperr.ErrForbidden
		}
		if order.Status != orders.StatusPendingPayment || order.InventoryState != orders.InventoryReserved {
			return orders.ErrOrderNotPayable
		}

		existing, err := tx.ListOrderPayments(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, p := range existing {
			if !p.Status.Terminal() {
				return ErrPaymentInProgress
			}
		}

		pay = &orders.Payment{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			UserID:     order.UserID,
			Amount:     order.Total,
			Currency:   s.Currency,
			Method:     in.Method,
			Status:     orders.PaymentPending,
			Reference:  uuid.NewString(),
			PayerPhone: strings.TrimSpace(in.MoMoPhone),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
		if in.Method == orders.MethodCOD {
			return orders.SwitchToCODTx(ctx, tx, order, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &CreateResult{Payment: pay, Order: order, Message: MessageCOD}
	if in.Method == orders.MethodMoMo {
		initiation, err := s.Initiate(ctx, pay, in.MoMoPhone, order.Number)
		if err != nil {
			return res, fmt.Errorf("payment %s: %w", pay.ID, orders.ErrPaymentInitiationFailed.Wrap(err))
		}
		res.Initiation = initiation
		res.Message = MessageMoMo
	}
	logging.FromContext(ctx).Info("payment_created",
		zap.String("payment_id", pay.ID), zap.String("order_id", order.ID), zap.String("method", string(in.Method)))
	return res, nil
}

// Get returns a payment owned by userID.
func (s *Service) Get(ctx context.Context, userID, paymentID string) (*orders.Payment, error) {
	var p *orders.Payment
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		p, err = tx.GetPayment(ctx, paymentID, false)
		return err
	})
	if errors.Is(err, orders.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return p, nil
}

type VerifyResult struct {
	Payment *orders.Payment `json:"payment"`
	Changed bool            `json:"changed"`
}

// Verify polls the gateway for a mobile-money payment and persists a status
// change through the same path as a callback.
func (s *Service) Verify(ctx context.Context, userID, paymentID string) (*VerifyResult, error) {
	p, err := s.Get(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Method != orders.MethodMoMo || p.Status.Terminal() {
		return &VerifyResult{Payment: p}, nil
	}

	status := s.Gateway.CheckStatus(ctx, p.Reference)
	if status == p.Status {
		return &VerifyResult{Payment: p}, nil
	}
	updated, changed, err := s.apply(ctx, p.Reference, status)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Payment: updated, Changed: changed}, nil
}

// HandleCallback reconciles a gateway push. It reports false when no payment
// carries reference; nothing is written in that case.
func (s *Service) HandleCallback(ctx context.Context, reference, rawStatus string) (found bool, err error) {
	ctx, span := tracer.Start(ctx, "payments.callback", trace.WithAttributes(attribute.String("momo.reference", reference)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	status := momo.MapStatus(rawStatus)
	p, changed, err := s.apply(ctx, reference, status)
	if errors.Is(err, ErrPaymentNotFound) {
		s.Metrics.Callback("not_found")
		logging.FromContext(ctx).Warn("payment_callback_unknown_reference", zap.String("reference", reference))
		return false, nil
	}
	if err != nil {
		s.Metrics.Callback("error")
		return true, err
	}
	outcome := "noop"
	if changed {
		outcome = strings.ToLower(string(p.Status))
	}
	s.Metrics.Callback(outcome)
	logging.FromContext(ctx).Info("payment_callback",
		zap.String("reference", reference), zap.String("raw_status", rawStatus),
		zap.String("status", string(p.Status)), zap.Bool("changed", changed))
	return true, nil
}

// apply moves the payment identified by reference to status when that is a
// legal transition, advancing the order when it became PAID. Repeats and
// regressions are no-ops.
func (s *Service) apply(ctx context.Context, reference string, status orders.PaymentStatus) (*orders.Payment, bool, error) {
	var (
		p       *orders.Payment
		order   *orders.Order
		changed bool
		settled bool
		late    orders.PaymentStatus
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		p, err = tx.GetPaymentByReference(ctx, reference, true)
		if errors.Is(err, orders.ErrRecordNotFound) {
			return ErrPaymentNotFound
		}
		if err != nil {
			return err
		}
		if !orders.CanTransitionPayment(p.Status, status) {
			if status == orders.PaymentPaid && p.Status != orders.PaymentPaid {
				late = p.Status
			}
			return nil
		}

		now := s.now()
		p.Status = status
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		changed = true

		if status != orders.PaymentPaid {
			return nil
		}
		order, err = tx.GetOrder(ctx, p.OrderID, true)
		if err != nil {
			return err
		}
		settled, err = orders.MarkPaidTx(ctx, tx, order, now)
		if err != nil {
			return err
		}
		if !settled {
			logging.FromContext(ctx).Warn("payment_paid_for_inactive_order",
				zap.String("order_id", order.ID), zap.String("order_status", string(order.Status)))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if late != "" {
		s.Metrics.PaidAfterTerminal(string(late))
		logging.FromContext(ctx).Warn("payment_paid_after_terminal",
			zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID),
			zap.String("reference", reference), zap.String("prior_status", string(late)))
	}
	if settled {
		s.notifySettled(ctx, order, p)
	}
	return p, changed, nil
}

// Reconcile resolves one stale payment of an order still awaiting payment:
// settle it if the gateway reports PAID, otherwise cancel the order and free
// its reservation. An unreachable gateway leaves everything as is.
func (s *Service) Reconcile(ctx context.Context, p orders.Payment) (string, error) {
	status := p.Status
	if p.Method == orders.MethodMoMo && !p.Status.Terminal() {
		raw, err := s.Gateway.Status(ctx, p.Reference)
		if err != nil {
			s.Metrics.Reconcile("unreachable")
			return "unreachable", err
		}
		status = momo.MapStatus(raw)
	}
	if status == orders.PaymentPaid {
		if _, _, err := s.apply(ctx, p.Reference, orders.PaymentPaid); err != nil {
			return "", err
		}
		s.Metrics.Reconcile("settled")
		return "settled", nil
	}

	var order *orders.Order
	cancelled := false
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		cur, err := tx.GetPayment(ctx, p.ID, true)
		if err != nil {
			return err
		}
		if cur.Status != status && orders.CanTransitionPayment(cur.Status, status) {
			cur.Status = status
			cur.UpdatedAt = s.now()
			if err := tx.UpdatePayment(ctx, cur); err != nil {
				return err
			}
		}
		order, err = tx.GetOrder(ctx, p.OrderID, true)
		if err != nil {
			return err
		}
		if order.Status != orders.StatusPendingPayment {
			return nil
		}
		// A newer attempt may still be live.
		all, err := tx.ListOrderPayments(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.ID != p.ID && (!other.Status.Terminal() || other.Status == orders.PaymentPaid) {
				return nil
			}
		}
		cancelled = true
		return orders.CancelTx(ctx, tx, order, s.now())
	})
	if err != nil {
		return "", err
	}
	if !cancelled {
		s.Metrics.Reconcile("skipped")
		return "skipped", nil
	}

	s.notify(ctx, orders.EventOrderCancelled, order.ID, orders.OrderCancelledPayload{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		UserID:      order.UserID,
		Reason:      "PAYMENT_EXPIRED",
	})
	logging.FromContext(ctx).Info("order_expired",
		zap.String("order_id", order.ID), zap.String("payment_id", p.ID), zap.String("payment_status", string(status)))
	s.Metrics.Reconcile("cancelled")
	return "cancelled", nil
}

// ListStale returns payments untouched since before.
func (s *Service) ListStale(ctx context.Context, before time.Time, limit int) ([]orders.Payment, error) {
	var out []orders.Payment
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		out, err = tx.ListStalePayments(ctx, before, limit)
		return err
	})
	return out, err
}

func (s *Service) notifySettled(ctx context.Context, o *orders.Order, p *orders.Payment) {
	s.notify(ctx, orders.EventPaymentSettled, o.ID, orders.PaymentSettledPayload{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		PaymentID:   p.ID,
		Reference:   p.Reference,
		Amount:      p.Amount,
		Currency:    p.Currency,
	})
}

func (s *Service) notify(ctx context.Context, eventType, orderID string, payload any) {
	if s.Notifier == nil {
		return
	}
	ev, err := orders.NewEnvelope(eventType, s.Producer, orderID, payload, s.now())
	if err != nil {
		logging.FromContext(ctx).Warn("notification_encode_failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	s.Notifier.Notify(context.WithoutCancel(ctx), ev)
}
