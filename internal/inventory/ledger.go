// Package inventory keeps the per-product stock counters.
//
// Every operation locks the product row through Store, checks the counters,
// and writes them back. Callers run it inside the transaction that owns the
// order or payment change, so the counters move atomically with it.
package inventory

import (
	"context"
	"fmt"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

var (
	ErrInsufficientStock = apperr.New(apperr.Conflict, "INSUFFICIENT_STOCK", "insufficient stock")
	ErrInvalidQuantity   = apperr.New(apperr.Validation, "INVALID_QUANTITY", "quantity must be positive")
	ErrProductNotFound   = apperr.New(apperr.NotFound, "PRODUCT_NOT_FOUND", "product not found")
	ErrLedgerUnderflow   = apperr.New(apperr.Internal, "LEDGER_UNDERFLOW", "reserved stock underflow")
)

// Level is the stock position of one product.
type Level struct {
	ProductID string
	Stock     int
	Reserved  int
}

func (l Level) Available() int { return l.Stock - l.Reserved }

func (l Level) valid() bool {
	return l.Stock >= 0 && l.Reserved >= 0 && l.Stock-l.Reserved >= 0
}

// Store is implemented by transactions. LockStock must hold a row lock (or
// equivalent) on the product until the transaction ends and returns an error
// matching ErrProductNotFound for unknown products.
type Store interface {
	LockStock(ctx context.Context, productID string) (Level, error)
	SaveStock(ctx context.Context, lvl Level) error
}

// Reserve holds qty units for a pending payment.
func Reserve(ctx context.Context, s Store, productID string, qty int) error {
	return apply(ctx, s, productID, qty, func(l *Level) error {
		if l.Available() < qty {
			return insufficient(*l, qty)
		}
		l.Reserved += qty
		return nil
	})
}

// CommitDecrement removes qty units from sellable stock directly.
func CommitDecrement(ctx context.Context, s Store, productID string, qty int) error {
	return apply(ctx, s, productID, qty, func(l *Level) error {
		if l.Available() < qty {
			return insufficient(*l, qty)
		}
		l.Stock -= qty
		return nil
	})
}

// Release puts qty units back into stock.
func Release(ctx context.Context, s Store, productID string, qty int) error {
	return apply(ctx, s, productID, qty, func(l *Level) error {
		l.Stock += qty
		return nil
	})
}

// Unreserve drops a hold taken by Reserve.
func Unreserve(ctx context.Context, s Store, productID string, qty int) error {
	return apply(ctx, s, productID, qty, func(l *Level) error {
		if l.Reserved < qty {
			return fmt.Errorf("product %s holds %d, releasing %d: %w", l.ProductID, l.Reserved, qty, ErrLedgerUnderflow)
		}
		l.Reserved -= qty
		return nil
	})
}

// Settle turns a hold into a decrement once payment is confirmed.
func Settle(ctx context.Context, s Store, productID string, qty int) error {
	return apply(ctx, s, productID, qty, func(l *Level) error {
		if l.Reserved < qty {
			return fmt.Errorf("product %s holds %d, settling %d: %w", l.ProductID, l.Reserved, qty, ErrLedgerUnderflow)
		}
		l.Reserved -= qty
		l.Stock -= qty
		return nil
	})
}

func apply(ctx context.Context, s Store, productID string, qty int, mutate func(*Level) error) error {
	if qty <= 0 {
		return fmt.Errorf("product %s: %w", productID, ErrInvalidQuantity)
	}
	lvl, err := s.LockStock(ctx, productID)
	if err != nil {
		return err
	}
	next := lvl
	if err := mutate(&next); err != nil {
		return err
	}
	if !next.valid() {
		return insufficient(lvl, qty)
	}
	return s.SaveStock(ctx, next)
}

func insufficient(l Level, qty int) error {
	return fmt.Errorf("product %s: %w", l.ProductID,
		ErrInsufficientStock.WithMessage(fmt.Sprintf("insufficient stock: requested %d, available %d", qty, l.Available())))
}
