package orders

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/teckw/go-shop-orders/internal/inventory"
)

// The functions below mutate an order that the caller loaded (for update)
// inside tx. They are shared by cancellation, payment settlement and the
// reconciliation sweep.

// MarkPaidTx moves an order whose payment settled to PROCESSING and turns a
// held reservation into a stock decrement. It reports false when the order is
// not in a status that accepts payment.
func MarkPaidTx(ctx context.Context, tx Tx, o *Order, now time.Time) (bool, error) {
	if o.Status == StatusProcessing || !CanTransition(o.Status, StatusProcessing) {
		return false, nil
	}
	if o.InventoryState == InventoryReserved {
		for _, it := range sortedItems(o.Items) {
			if err := inventory.Settle(ctx, tx, it.ProductID, it.Quantity); err != nil {
				return false, fmt.Errorf("settle %s: %w", it.ProductID, err)
			}
		}
		o.InventoryState = InventoryCommitted
	}
	o.Status = StatusProcessing
	o.UpdatedAt = now
	return true, tx.UpdateOrder(ctx, o)
}

// SwitchToCODTx converts a pending mobile-money order to cash on delivery.
func SwitchToCODTx(ctx context.Context, tx Tx, o *Order, now time.Time) error {
	if o.Status != StatusPendingPayment || o.InventoryState != InventoryReserved {
		return ErrOrderNotPayable
	}
	for _, it := range sortedItems(o.Items) {
		if err := inventory.Settle(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return fmt.Errorf("settle %s: %w", it.ProductID, err)
		}
	}
	o.InventoryState = InventoryCommitted
	o.PaymentMethod = MethodCOD
	o.Status = StatusAwaitingConfirmation
	o.UpdatedAt = now
	return tx.UpdateOrder(ctx, o)
}

// CancelTx cancels o, gives back whatever stock it holds and cancels its
// open payments. A failing line aborts the whole transaction.
func CancelTx(ctx context.Context, tx Tx, o *Order, now time.Time) error {
	if !o.Status.Cancellable() {
		return fmt.Errorf("order %s is %s: %w", o.Number, o.Status, ErrNotCancellable)
	}

	for _, it := range sortedItems(o.Items) {
		var err error
		switch o.InventoryState {
		case InventoryReserved:
			err = inventory.Unreserve(ctx, tx, it.ProductID, it.Quantity)
		case InventoryCommitted:
			err = inventory.Release(ctx, tx, it.ProductID, it.Quantity)
		}
		if err != nil {
			return fmt.Errorf("release %s: %w", it.ProductID, err)
		}
	}
	o.InventoryState = InventoryReleased
	o.Status = StatusCancelled
	o.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return err
	}

	payments, err := tx.ListOrderPayments(ctx, o.ID)
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		if !CanTransitionPayment(p.Status, PaymentCancelled) {
			continue
		}
		p.Status = PaymentCancelled
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// sortedItems orders lines by product so concurrent transactions lock rows in
// the same sequence.
func sortedItems(items []OrderItem) []OrderItem {
	out := append([]OrderItem(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
