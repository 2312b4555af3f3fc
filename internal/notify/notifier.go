// Package notify is the fire-and-forget side of the order flow: it carries
// domain events to the notifier process and turns them into in-app
// notifications and e-mails.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/kafka"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/orders"
)

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header) bool
}

// KafkaNotifier publishes envelopes keyed by order id.
type KafkaNotifier struct {
	Producer Publisher
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev orders.Envelope) {
	b, err := json.Marshal(ev)
	if err != nil {
		logging.FromContext(ctx).Warn("event_encode_failed", zap.String("event_id", ev.EventID), zap.Error(err))
		return
	}
	topic := orders.TopicFor(ev.EventType)
	if !n.Producer.Publish(topic, orders.PartitionKey(ev.CorrelationID), b, kafka.EventHeaders(ev.EventType, ev.EventVersion)...) {
		logging.FromContext(ctx).Warn("event_dropped", zap.String("event_id", ev.EventID), zap.String("topic", topic))
	}
}

// InlineNotifier hands events straight to a Handler on a background
// goroutine. Used when no broker is configured.
type InlineNotifier struct {
	Handler *Handler
	wg      sync.WaitGroup
}

func (n *InlineNotifier) Notify(ctx context.Context, ev orders.Envelope) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Handler.Handle(ctx, ev); err != nil {
			logging.FromContext(ctx).Warn("notification_failed",
				zap.String("event_id", ev.EventID), zap.String("event_type", ev.EventType), zap.Error(err))
		}
	}()
}

// Wait blocks until every dispatched event has been handled.
func (n *InlineNotifier) Wait() { n.wg.Wait() }
