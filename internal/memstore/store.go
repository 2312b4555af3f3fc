// Package memstore is an in-memory orders.Store. Transactions are serialised
// and run against a copy of the state that replaces it on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teckw/go-shop-orders/internal/inventory"
	"github.com/teckw/go-shop-orders/internal/orders"
)

type state struct {
	products      map[string]orders.Product
	addresses     map[string]orders.Address
	carts         map[string]orders.Cart // by user id
	orders        map[string]orders.Order
	payments      map[string]orders.Payment
	sequences     map[string]int
	notifications []orders.Notification
}

func newState() *state {
	return &state{
		products:  map[string]orders.Product{},
		addresses: map[string]orders.Address{},
		carts:     map[string]orders.Cart{},
		orders:    map[string]orders.Order{},
		payments:  map[string]orders.Payment{},
		sequences: map[string]int{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.carts {
		v.Items = append([]orders.CartItem(nil), v.Items...)
		c.carts[k] = v
	}
	for k, v := range s.orders {
		v.Items = append([]orders.OrderItem(nil), v.Items...)
		c.orders[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	c.notifications = append([]orders.Notification(nil), s.notifications...)
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Seeding and inspection helpers.

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.st.products[p.ID] = p
}

func (s *Store) Product(id string) orders.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id]
}

func (s *Store) PutAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.addresses[a.ID] = a
}

func (s *Store) AddToCart(userID, productID string, qty int) {
	_ = s.WithTx(context.Background(), func(ctx context.Context, t orders.Tx) error {
		return t.AddCartItem(ctx, userID, productID, qty)
	})
}

func (s *Store) CartSize(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.carts[userID].Items)
}

func (s *Store) Order(id string) orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.orders[id]
}

func (s *Store) Payment(id string) orders.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.payments[id]
}

func (s *Store) SetPaymentUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.st.payments[id]
	p.UpdatedAt = t
	s.st.payments[id] = p
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

type tx struct {
	st *state
}

func (t *tx) LockStock(_ context.Context, productID string) (inventory.Level, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return inventory.Level{}, inventory.ErrProductNotFound
	}
	return inventory.Level{ProductID: p.ID, Stock: p.Stock, Reserved: p.ReservedStock}, nil
}

func (t *tx) SaveStock(_ context.Context, l inventory.Level) error {
	p, ok := t.st.products[l.ProductID]
	if !ok {
		return inventory.ErrProductNotFound
	}
	p.Stock = l.Stock
	p.ReservedStock = l.Reserved
	p.UpdatedAt = time.Now().UTC()
	t.st.products[p.ID] = p
	return nil
}

func (t *tx) GetAddress(_ context.Context, id string) (*orders.Address, error) {
	a, ok := t.st.addresses[id]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	return &a, nil
}

func (t *tx) GetProduct(_ context.Context, id string) (*orders.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	return &p, nil
}

func (t *tx) LoadCart(_ context.Context, userID string) (*orders.Cart, error) {
	c, ok := t.st.carts[userID]
	if !ok {
		return &orders.Cart{ID: "cart-" + userID, UserID: userID}, nil
	}
	out := orders.Cart{ID: c.ID, UserID: c.UserID}
	for _, it := range c.Items {
		p, ok := t.st.products[it.ProductID]
		if !ok {
			continue
		}
		it.Product = p
		out.Items = append(out.Items, it)
	}
	return &out, nil
}

func (t *tx) AddCartItem(_ context.Context, userID, productID string, qty int) error {
	if _, ok := t.st.products[productID]; !ok {
		return orders.ErrRecordNotFound
	}
	c, ok := t.st.carts[userID]
	if !ok {
		c = orders.Cart{ID: "cart-" + userID, UserID: userID}
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			c.Items[i].Quantity += qty
			t.st.carts[userID] = c
			return nil
		}
	}
	c.Items = append(c.Items, orders.CartItem{ID: uuid.NewString(), ProductID: productID, Quantity: qty})
	t.st.carts[userID] = c
	return nil
}

func (t *tx) ClearCart(_ context.Context, cartID string) error {
	for uid, c := range t.st.carts {
		if c.ID == cartID {
			c.Items = nil
			t.st.carts[uid] = c
		}
	}
	return nil
}

func (t *tx) NextOrderSequence(_ context.Context, day time.Time) (int, error) {
	key := day.UTC().Format("2006-01-02")
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *tx) InsertOrder(_ context.Context, o *orders.Order) error {
	for _, existing := range t.st.orders {
		if existing.Number == o.Number {
			return orders.ErrDuplicateOrderNumber
		}
	}
	cp := *o
	cp.Items = append([]orders.OrderItem(nil), o.Items...)
	t.st.orders[o.ID] = cp
	return nil
}

func (t *tx) GetOrder(_ context.Context, id string, _ bool) (*orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return &o, nil
}

func (t *tx) ListOrders(_ context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range t.st.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		o.Items = append([]orders.OrderItem(nil), o.Items...)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Number > out[j].Number
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) UpdateOrder(_ context.Context, o *orders.Order) error {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.ErrRecordNotFound
	}
	cur.Status = o.Status
	cur.InventoryState = o.InventoryState
	cur.PaymentMethod = o.PaymentMethod
	cur.UpdatedAt = o.UpdatedAt
	t.st.orders[o.ID] = cur
	return nil
}

func (t *tx) InsertPayment(_ context.Context, p *orders.Payment) error {
	for _, existing := range t.st.payments {
		if existing.Reference == p.Reference {
			return orders.ErrDuplicateReference
		}
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *tx) GetPayment(_ context.Context, id string, _ bool) (*orders.Payment, error) {
	p, ok := t.st.payments[id]
	if !ok {
		return nil, orders.ErrRecordNotFound
	}
	return &p, nil
}

func (t *tx) GetPaymentByReference(_ context.Context, reference string, _ bool) (*orders.Payment, error) {
	for _, p := range t.st.payments {
		if p.Reference == reference {
			return &p, nil
		}
	}
	return nil, orders.ErrRecordNotFound
}

func (t *tx) ListOrderPayments(_ context.Context, orderID string) ([]orders.Payment, error) {
	var out []orders.Payment
	for _, p := range t.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *tx) UpdatePayment(_ context.Context, p *orders.Payment) error {
	if _, ok := t.st.payments[p.ID]; !ok {
		return orders.ErrRecordNotFound
	}
	t.st.payments[p.ID] = *p
	return nil
}

func (t *tx) ListStalePayments(_ context.Context, before time.Time, limit int) ([]orders.Payment, error) {
	var out []orders.Payment
	for _, p := range t.st.payments {
		o, ok := t.st.orders[p.OrderID]
		if !ok || o.Status != orders.StatusPendingPayment {
			continue
		}
		switch p.Status {
		case orders.PaymentPending, orders.PaymentInitiated, orders.PaymentFailed:
		default:
			continue
		}
		if p.UpdatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) InsertNotification(_ context.Context, n *orders.Notification) (bool, error) {
	if n.EventID != "" {
		for _, existing := range t.st.notifications {
			if existing.EventID == n.EventID && existing.UserID == n.UserID {
				return false, nil
			}
		}
	}
	t.st.notifications = append(t.st.notifications, *n)
	return true, nil
}

func (t *tx) ListNotifications(_ context.Context, userID string, limit int) ([]orders.Notification, error) {
	var out []orders.Notification
	for i := len(t.st.notifications) - 1; i >= 0; i-- {
		n := t.st.notifications[i]
		if n.UserID != userID {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
