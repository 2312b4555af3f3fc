package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/inventory"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/metrics"
	"github.com/teckw/go-shop-orders/internal/pricing"
)

var tracer = otel.Tracer("github.com/teckw/go-shop-orders/internal/orders")

const maxNumberRetries = 2

// PaymentInitiator submits a pay-request for p and persists the outcome on
// p's row. On failure p is left FAILED with LastError set. ValidatePhone is
// consulted before anything is committed.
type PaymentInitiator interface {
	ValidatePhone(phone string) error
	Initiate(ctx context.Context, p *Payment, phone, orderNumber string) (*Initiation, error)
}

type Service struct {
	Store    Store
	Payments PaymentInitiator
	Notifier Notifier
	Metrics  *metrics.Metrics
	Currency string
	Producer string
	Now      func() time.Time
}

type CreateInput struct {
	UserID            string
	ShippingAddressID string
	PaymentMethod     PaymentMethod
	MoMoPhone         string
}

type CreateResult struct {
	Order      *Order      `json:"order"`
	Payment    *Payment    `json:"payment"`
	Initiation *Initiation `json:"initiation,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// CreateOrder turns the user's cart into an order and its first payment in
// one transaction, then asks the gateway to collect for mobile-money orders.
// A gateway failure leaves the committed order PENDING_PAYMENT with its
// reservation held; the result is returned alongside the error.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (res *CreateResult, err error) {
	ctx, span := tracer.Start(ctx, "orders.create",
		trace.WithAttributes(attribute.String("payment.method", string(in.PaymentMethod))))
	defer func() { endSpan(span, err) }()

	switch in.PaymentMethod {
	case MethodCOD:
	case MethodMoMo:
		if strings.TrimSpace(in.MoMoPhone) == "" {
			return nil, ErrPhoneRequired
		}
		if err := s.Payments.ValidatePhone(in.MoMoPhone); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedMethod
	}

	now := s.now()
	var (
		order *Order
		pay   *Payment
	)
	// A number collision means the day's sequence row was reset under us;
	// the whole transaction is replayed with the next value.
	for attempt := 0; ; attempt++ {
		err = s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			addr, err := tx.GetAddress(ctx, in.ShippingAddressID)
			switch {
			case errors.Is(err, ErrRecordNotFound):
				return ErrInvalidAddress
			case err != nil:
				return err
			case addr.UserID != in.UserID:
				return ErrInvalidAddress
			}

			cart, err := tx.LoadCart(ctx, in.UserID)
			if err != nil {
				return err
			}
			if len(cart.Items) == 0 {
				return ErrEmptyCart
			}
			items := append([]CartItem(nil), cart.Items...)
			sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

			lines := make([]pricing.Line, 0, len(items))
			for _, it := range items {
				lines = append(lines, pricing.Line{
					ProductID: it.ProductID,
					Price:     decimal.NewNullDecimal(it.Product.Price),
					Discount:  it.Product.Discount,
					Quantity:  it.Quantity,
				})
			}
			quote, err := pricing.Calculate(lines)
			if err != nil {
				return err
			}

			seq, err := tx.NextOrderSequence(ctx, Day(now))
			if err != nil {
				return fmt.Errorf("order sequence: %w", err)
			}

			order = &Order{
				ID:                uuid.NewString(),
				Number:            FormatNumber(now, seq),
				UserID:            in.UserID,
				ShippingAddressID: addr.ID,
				PaymentMethod:     in.PaymentMethod,
				Subtotal:          quote.Subtotal,
				VAT:               quote.VAT,
				Total:             quote.Total,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if in.PaymentMethod == MethodCOD {
				order.Status = StatusAwaitingConfirmation
				order.InventoryState = InventoryCommitted
			} else {
				order.Status = StatusPendingPayment
				order.InventoryState = InventoryReserved
			}
			for i, pl := range quote.Lines {
				order.Items = append(order.Items, OrderItem{
					ID:          uuid.NewString(),
					OrderID:     order.ID,
					ProductID:   pl.ProductID,
					ProductName: items[i].Product.Name,
					Quantity:    pl.Quantity,
					UnitPrice:   pl.EffectivePrice,
				})
			}
			if err := tx.InsertOrder(ctx, order); err != nil {
				return err
			}

			pay = &Payment{
				ID:         uuid.NewString(),
				OrderID:    order.ID,
				UserID:     in.UserID,
				Amount:     quote.Total,
				Currency:   s.Currency,
				Method:     in.PaymentMethod,
				Status:     PaymentPending,
				Reference:  uuid.NewString(),
				PayerPhone: strings.TrimSpace(in.MoMoPhone),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertPayment(ctx, pay); err != nil {
				return err
			}

			for _, it := range order.Items {
				if in.PaymentMethod == MethodCOD {
					err = inventory.CommitDecrement(ctx, tx, it.ProductID, it.Quantity)
				} else {
					err = inventory.Reserve(ctx, tx, it.ProductID, it.Quantity)
				}
				if err != nil {
					return err
				}
			}
			return tx.ClearCart(ctx, cart.ID)
		})
		if !errors.Is(err, ErrDuplicateOrderNumber) || attempt >= maxNumberRetries {
			break
		}
		logging.FromContext(ctx).Warn("order_number_collision", zap.Int("attempt", attempt+1))
	}
	if err != nil {
		s.Metrics.OrderCreated(string(in.PaymentMethod), "rejected")
		return nil, err
	}

	log := logging.FromContext(ctx).With(
		zap.String("order_id", order.ID),
		zap.String("order_number", order.Number),
		zap.String("payment_method", string(order.PaymentMethod)),
	)
	res = &CreateResult{Order: order, Payment: pay}

	if in.PaymentMethod == MethodMoMo {
		initiation, perr := s.Payments.Initiate(ctx, pay, in.MoMoPhone, order.Number)
		if perr != nil {
			s.Metrics.OrderCreated(string(in.PaymentMethod), "payment_failed")
			log.Warn("order_payment_initiation_failed", zap.String("reference", pay.Reference), zap.Error(perr))
			return res, fmt.Errorf("order %s: %w", order.Number, ErrPaymentInitiationFailed.Wrap(perr))
		}
		res.Initiation = initiation
	}

	s.Metrics.OrderCreated(string(in.PaymentMethod), "ok")
	s.notify(ctx, EventOrderCreated, order.ID, OrderCreatedPayload{
		OrderID:       order.ID,
		OrderNumber:   order.Number,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		Status:        order.Status,
		Items:         itemQty(order.Items),
		Total:         order.Total,
	})
	log.Info("order_created", zap.String("total", order.Total.StringFixed(2)), zap.String("status", string(order.Status)))
	return res, nil
}

// CancelOrder cancels an order owned by userID.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (o *Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.cancel", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() { endSpan(span, err) }()

	err = s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, true)
		if errors.Is(err, ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return apperr.ErrForbidden
		}
		return CancelTx(ctx, tx, o, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, EventOrderCancelled, o.ID, OrderCancelledPayload{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		Reason:      "USER",
	})
	logging.FromContext(ctx).Info("order_cancelled", zap.String("order_id", o.ID), zap.String("order_number", o.Number))
	return o, nil
}

// GetOrder returns the order if userID owns it.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*Order, error) {
	var o *Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, false)
		return err
	})
	if errors.Is(err, ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return o, nil
}

// ListOrders returns the page of f.UserID's orders selected by f.
func (s *Service) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	if f.UserID == "" {
		return nil, apperr.ErrForbidden
	}
	f = f.Normalize()
	var out []Order
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, o := range out {
		if o.UserID != f.UserID {
			return nil, apperr.ErrForbidden
		}
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, eventType, orderID string, payload any) {
	if s.Notifier == nil {
		return
	}
	ev, err := NewEnvelope(eventType, s.Producer, orderID, payload, s.now())
	if err != nil {
		logging.FromContext(ctx).Warn("notification_encode_failed", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	s.Notifier.Notify(context.WithoutCancel(ctx), ev)
}

func itemQty(items []OrderItem) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
