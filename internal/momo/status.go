package momo

import (
	"strings"

	"github.com/teckw/go-shop-orders/internal/orders"
)

var statusMap = map[string]orders.PaymentStatus{
	"SUCCESSFUL": orders.PaymentPaid,
	"SUCCESS":    orders.PaymentPaid,
	"COMPLETED":  orders.PaymentPaid,
	"FAILED":     orders.PaymentFailed,
	"REJECTED":   orders.PaymentFailed,
	"CANCELLED":  orders.PaymentCancelled,
	"PENDING":    orders.PaymentPending,
	"INITIATED":  orders.PaymentInitiated,
}

// MapStatus translates provider vocabulary. Unknown values map to PENDING.
func MapStatus(raw string) orders.PaymentStatus {
	if s, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return orders.PaymentPending
}
