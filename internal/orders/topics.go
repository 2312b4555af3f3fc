package orders

const (
	TopicOrderCreated   = "order.created"
	TopicOrderCancelled = "order.cancelled"
	TopicPaymentSettled = "order.payment.settled"
)

var Topics = []string{TopicOrderCreated, TopicOrderCancelled, TopicPaymentSettled}

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType string) string {
	switch eventType {
	case EventOrderCancelled:
		return TopicOrderCancelled
	case EventPaymentSettled:
		return TopicPaymentSettled
	default:
		return TopicOrderCreated
	}
}

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
