package orders

import (
	"strings"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

type OrderStatus string

const (
	StatusAwaitingConfirmation OrderStatus = "AWAITING_CONFIRMATION"
	StatusPendingPayment       OrderStatus = "PENDING_PAYMENT"
	StatusProcessing           OrderStatus = "PROCESSING"
	StatusCancelled            OrderStatus = "CANCELLED"
	StatusDelivered            OrderStatus = "DELIVERED"
)

var validNext = map[OrderStatus]map[OrderStatus]bool{
	StatusPendingPayment:       {StatusProcessing: true, StatusAwaitingConfirmation: true, StatusCancelled: true},
	StatusAwaitingConfirmation: {StatusProcessing: true, StatusCancelled: true, StatusDelivered: true},
	StatusProcessing:           {StatusDelivered: true, StatusCancelled: true},
	StatusCancelled:            {},
	StatusDelivered:            {},
}

func CanTransition(from, to OrderStatus) bool {
	return validNext[from][to]
}

func (s OrderStatus) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Cancellable lists the statuses an owner may cancel from: anything not yet
// handed to fulfillment.
func (s OrderStatus) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

var validPaymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentInitiated: true, PaymentPaid: true, PaymentFailed: true, PaymentCancelled: true},
	PaymentInitiated: {PaymentPaid: true, PaymentFailed: true, PaymentCancelled: true},
	PaymentPaid:      {},
	PaymentFailed:    {},
	PaymentCancelled: {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPaymentNext[from][to]
}

func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentCancelled
}

type PaymentMethod string

const (
	MethodMoMo PaymentMethod = "MOMO"
	MethodCOD  PaymentMethod = "COD"
)

var ErrUnsupportedMethod = apperr.New(apperr.Validation, "UNSUPPORTED_PAYMENT_METHOD", "unsupported payment method")

// ParseMethod accepts the wire aliases used by clients.
func ParseMethod(s string) (PaymentMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MOMO", "MOBILE_MONEY":
		return MethodMoMo, nil
	case "COD", "CASH_ON_DELIVERY":
		return MethodCOD, nil
	default:
		return "", ErrUnsupportedMethod.WithMessage("unsupported payment method: " + s)
	}
}

// InventoryState records what an order currently holds in the ledger.
type InventoryState string

const (
	InventoryReserved  InventoryState = "RESERVED"
	InventoryCommitted InventoryState = "COMMITTED"
	InventoryReleased  InventoryState = "RELEASED"
)
