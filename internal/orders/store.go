package orders

import (
	"context"
	"time"

	"github.com/teckw/go-shop-orders/internal/inventory"
)

// Store runs fn inside one ACID transaction. fn's error rolls everything back.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a transaction. Lookups
// that match nothing return ErrRecordNotFound. forUpdate asks for a row lock
// held until the transaction ends.
type Tx interface {
	inventory.Store

	GetAddress(ctx context.Context, id string) (*Address, error)
	GetProduct(ctx context.Context, id string) (*Product, error)

	LoadCart(ctx context.Context, userID string) (*Cart, error)
	AddCartItem(ctx context.Context, userID, productID string, qty int) error
	ClearCart(ctx context.Context, cartID string) error

	NextOrderSequence(ctx context.Context, day time.Time) (int, error)
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string, forUpdate bool) (*Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]Order, error)
	UpdateOrder(ctx context.Context, o *Order) error

	InsertPayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string, forUpdate bool) (*Payment, error)
	GetPaymentByReference(ctx context.Context, reference string, forUpdate bool) (*Payment, error)
	ListOrderPayments(ctx context.Context, orderID string) ([]Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	ListStalePayments(ctx context.Context, before time.Time, limit int) ([]Payment, error)

	InsertNotification(ctx context.Context, n *Notification) (bool, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
}

// ListFilter selects a user's orders. Zero values mean "no constraint"; the
// store translates each set field into a predicate.
type ListFilter struct {
	UserID string
	Status *OrderStatus
	Limit  int
	Offset int
}

func (f ListFilter) Normalize() ListFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = 10
	case f.Limit > 100:
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
