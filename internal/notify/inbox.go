package notify

import (
	"context"

	"github.com/teckw/go-shop-orders/internal/orders"
)

// Inbox reads a user's stored notifications, newest first.
type Inbox struct {
	Store orders.Store
}

func (i *Inbox) List(ctx context.Context, userID string, limit int) ([]orders.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out []orders.Notification
	err := i.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		out, err = tx.ListNotifications(ctx, userID, limit)
		return err
	})
	return out, err
}
