package orders

import (
	"errors"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

// ErrRecordNotFound is returned by Tx lookups that match no row.
var ErrRecordNotFound = errors.New("record not found")

// Unique-constraint violations surfaced by stores.
var (
	ErrDuplicateOrderNumber = errors.New("duplicate order number")
	ErrDuplicateReference   = errors.New("duplicate payment reference")
)

var (
	ErrInvalidAddress          = apperr.New(apperr.Validation, "INVALID_ADDRESS", "invalid shipping address")
	ErrEmptyCart               = apperr.New(apperr.Validation, "EMPTY_CART", "cart is empty")
	ErrPhoneRequired           = apperr.New(apperr.Validation, "PHONE_REQUIRED", "phone number is required for mobile money payments")
	ErrOrderNotFound           = apperr.New(apperr.NotFound, "ORDER_NOT_FOUND", "order not found")
	ErrNotCancellable          = apperr.New(apperr.Conflict, "NOT_CANCELLABLE", "order cannot be cancelled in its current status")
	ErrOrderNotPayable         = apperr.New(apperr.Conflict, "ORDER_NOT_PAYABLE", "order is not awaiting payment")
	ErrPaymentInitiationFailed = apperr.New(apperr.Gateway, "PAYMENT_INITIATION_FAILED", "payment initiation failed")
)
