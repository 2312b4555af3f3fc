package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/kafka"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/orders"
)

const TypeOrder = "ORDER"

// Deduper is satisfied by *redisx.Dedup.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Handler stores an in-app notification for each event and mails the user.
type Handler struct {
	Store  orders.Store
	Dedup  Deduper // optional
	Mailer Mailer
	Now    func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// HandleMessage adapts Handle to the kafka consumer.
func (h *Handler) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var ev orders.Envelope
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		// poison message: commit and move on
		logging.FromContext(ctx).Error("event_decode_failed", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}
	return h.Handle(ctx, ev)
}

func (h *Handler) Handle(ctx context.Context, ev orders.Envelope) error {
	log := logging.FromContext(ctx).With(zap.String("event_id", ev.EventID), zap.String("event_type", ev.EventType))

	n, err := h.render(ev)
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}

	if h.Dedup != nil {
		seen, err := h.Dedup.Seen(ctx, ev.EventID)
		if err != nil {
			log.Warn("dedup_unavailable", zap.Error(err))
		} else if seen {
			log.Debug("event_duplicate")
			return nil
		}
	}

	var inserted bool
	err = h.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		inserted, err = tx.InsertNotification(ctx, n)
		return err
	})
	if err != nil {
		if h.Dedup != nil {
			_ = h.Dedup.Forget(ctx, ev.EventID)
		}
		return fmt.Errorf("store notification: %w", err)
	}
	if !inserted {
		return nil
	}

	if h.Mailer != nil {
		if err := h.Mailer.Send(ctx, Mail{UserID: n.UserID, Subject: n.Title, Body: n.Message}); err != nil {
			log.Warn("mail_failed", zap.String("user_id", n.UserID), zap.Error(err))
		}
	}
	log.Info("notification_created", zap.String("user_id", n.UserID), zap.String("title", n.Title))
	return nil
}

// render builds the notification for ev, or nil for events nobody is told
// about.
func (h *Handler) render(ev orders.Envelope) (*orders.Notification, error) {
	n := &orders.Notification{
		ID:        uuid.NewString(),
		Type:      TypeOrder,
		EventID:   ev.EventID,
		CreatedAt: h.now(),
	}
	switch ev.EventType {
	case orders.EventOrderCreated:
		p, err := kafka.UnwrapPayload[orders.OrderCreatedPayload](ev.Payload)
		if err != nil {
			return nil, err
		}
		n.UserID = p.UserID
		n.Title = "Order Placed"
		if p.PaymentMethod == orders.MethodCOD {
			n.Message = fmt.Sprintf("Your order %s has been placed. Amount due on delivery: %s.", p.OrderNumber, p.Total.StringFixed(2))
		} else {
			n.Message = fmt.Sprintf("Your order %s has been placed. Approve the payment request of %s on your phone.", p.OrderNumber, p.Total.StringFixed(2))
		}
	case orders.EventOrderCancelled:
		p, err := kafka.UnwrapPayload[orders.OrderCancelledPayload](ev.Payload)
		if err != nil {
			return nil, err
		}
		n.UserID = p.UserID
		n.Title = "Order Cancelled"
		n.Message = fmt.Sprintf("Your order %s has been cancelled.", p.OrderNumber)
		if p.Reason == "PAYMENT_EXPIRED" {
			n.Message = fmt.Sprintf("Your order %s was cancelled because payment was not completed.", p.OrderNumber)
		}
	case orders.EventPaymentSettled:
		p, err := kafka.UnwrapPayload[orders.PaymentSettledPayload](ev.Payload)
		if err != nil {
			return nil, err
		}
		n.UserID = p.UserID
		n.Title = "Payment Received"
		n.Message = fmt.Sprintf("We received %s %s for order %s.", p.Amount.StringFixed(2), p.Currency, p.OrderNumber)
	default:
		return nil, nil
	}
	return n, nil
}
