package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teckw/go-shop-orders/internal/inventory"
	"github.com/teckw/go-shop-orders/internal/orders"
)

// Store implements orders.Store on a pgx pool.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &txn{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txn struct{ tx pgx.Tx }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrRecordNotFound
	}
	return err
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func (t *txn) LockStock(ctx context.Context, productID string) (inventory.Level, error) {
	l := inventory.Level{ProductID: productID}
	err := t.tx.QueryRow(ctx,
		`SELECT stock, reserved_stock FROM products WHERE id=$1 FOR UPDATE`, productID,
	).Scan(&l.Stock, &l.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, inventory.ErrProductNotFound
	}
	return l, err
}

func (t *txn) SaveStock(ctx context.Context, l inventory.Level) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE products SET stock=$2, reserved_stock=$3, updated_at=now() WHERE id=$1`,
		l.ProductID, l.Stock, l.Reserved)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return inventory.ErrProductNotFound
	}
	return nil
}

func (t *txn) GetAddress(ctx context.Context, id string) (*orders.Address, error) {
	var a orders.Address
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, recipient, phone, street, city, country, postal_code
		FROM addresses WHERE id=$1`, id,
	).Scan(&a.ID, &a.UserID, &a.Recipient, &a.Phone, &a.Street, &a.City, &a.Country, &a.PostalCode)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

const productCols = `p.id, p.name, p.price, p.discount, p.stock, p.reserved_stock, p.created_at, p.updated_at`

func scanProduct(row pgx.Row, extra ...any) (orders.Product, error) {
	var p orders.Product
	dest := append(extra, &p.ID, &p.Name, &p.Price, &p.Discount, &p.Stock, &p.ReservedStock, &p.CreatedAt, &p.UpdatedAt)
	err := row.Scan(dest...)
	return p, err
}

func (t *txn) GetProduct(ctx context.Context, id string) (*orders.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productCols+` FROM products p WHERE p.id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *txn) LoadCart(ctx context.Context, userID string) (*orders.Cart, error) {
	c := &orders.Cart{UserID: userID}
	err := t.tx.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1`, userID).Scan(&c.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT ci.id, ci.quantity, `+productCols+`
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id=$1 ORDER BY p.id`, c.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.CartItem
		p, err := scanProduct(rows, &it.ID, &it.Quantity)
		if err != nil {
			return nil, err
		}
		it.ProductID = p.ID
		it.Product = p
		c.Items = append(c.Items, it)
	}
	return c, rows.Err()
}

func (t *txn) AddCartItem(ctx context.Context, userID, productID string, qty int) error {
	var cartID string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO carts(id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id`, uuid.NewString(), userID).Scan(&cartID)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO cart_items(id, cart_id, product_id, quantity) VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		uuid.NewString(), cartID, productID, qty)
	return err
}

func (t *txn) ClearCart(ctx context.Context, cartID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}

func (t *txn) NextOrderSequence(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		INSERT INTO order_sequences(day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value`, day.UTC()).Scan(&n)
	return n, err
}

func (t *txn) InsertOrder(ctx context.Context, o *orders.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, user_id, shipping_address_id, status, payment_method,
			inventory_state, subtotal, vat, total, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.Number, o.UserID, o.ShippingAddressID, string(o.Status), string(o.PaymentMethod),
		string(o.InventoryState), o.Subtotal, o.VAT, o.Total, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return orders.ErrDuplicateOrderNumber
	}
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

const orderCols = `id, order_number, user_id, shipping_address_id, status, payment_method,
	inventory_state, subtotal, vat, total, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o                   orders.Order
		status, method, inv string
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.ShippingAddressID, &status, &method,
		&inv, &o.Subtotal, &o.VAT, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	o.Status = orders.OrderStatus(status)
	o.PaymentMethod = orders.PaymentMethod(method)
	o.InventoryState = orders.InventoryState(inv)
	return o, err
}

func (t *txn) loadItems(ctx context.Context, o *orders.Order) error {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id=$1 ORDER BY product_id`, o.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	o.Items = o.Items[:0]
	for rows.Next() {
		it := orders.OrderItem{OrderID: o.ID}
		if err := rows.Scan(&it.ID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice); err != nil {
			return err
		}
		o.Items = append(o.Items, it)
	}
	return rows.Err()
}

func (t *txn) GetOrder(ctx context.Context, id string, forUpdate bool) (*orders.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`+lockClause(forUpdate), id))
	if err != nil {
		return nil, notFound(err)
	}
	if err := t.loadItems(ctx, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders translates each set field of f into a bound predicate.
func (t *txn) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	}
	q := `SELECT ` + orderCols + ` FROM orders`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, order_number DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}
	q += " OFFSET " + arg(f.Offset)

	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := t.loadItems(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *txn) UpdateOrder(ctx context.Context, o *orders.Order) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE orders SET status=$2, inventory_state=$3, payment_method=$4, updated_at=$5 WHERE id=$1`,
		o.ID, string(o.Status), string(o.InventoryState), string(o.PaymentMethod), o.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrRecordNotFound
	}
	return nil
}

func (t *txn) InsertPayment(ctx context.Context, p *orders.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(id, order_id, user_id, amount, currency, method, status, reference,
			transaction_id, last_error, payer_phone, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, string(p.Method), string(p.Status), p.Reference,
		p.TransactionID, p.LastError, p.PayerPhone, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return orders.ErrDuplicateReference
	}
	return err
}

const paymentCols = `id, order_id, user_id, amount, currency, method, status, reference,
	transaction_id, last_error, payer_phone, created_at, updated_at`

func scanPayment(row pgx.Row) (orders.Payment, error) {
	var (
		p              orders.Payment
		method, status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Amount, &p.Currency, &method, &status, &p.Reference,
		&p.TransactionID, &p.LastError, &p.PayerPhone, &p.CreatedAt, &p.UpdatedAt)
	p.Method = orders.PaymentMethod(method)
	p.Status = orders.PaymentStatus(status)
	return p, err
}

func (t *txn) GetPayment(ctx context.Context, id string, forUpdate bool) (*orders.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`+lockClause(forUpdate), id))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *txn) GetPaymentByReference(ctx context.Context, reference string, forUpdate bool) (*orders.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE reference=$1`+lockClause(forUpdate), reference))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *txn) queryPayments(ctx context.Context, q string, args ...any) ([]orders.Payment, error) {
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orders.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txn) ListOrderPayments(ctx context.Context, orderID string) ([]orders.Payment, error) {
	return t.queryPayments(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id=$1 ORDER BY created_at`, orderID)
}

func (t *txn) UpdatePayment(ctx context.Context, p *orders.Payment) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE payments SET status=$2, transaction_id=$3, last_error=$4, updated_at=$5 WHERE id=$1`,
		p.ID, string(p.Status), p.TransactionID, p.LastError, p.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return orders.ErrRecordNotFound
	}
	return nil
}

func (t *txn) ListStalePayments(ctx context.Context, before time.Time, limit int) ([]orders.Payment, error) {
	return t.queryPayments(ctx, `
		SELECT `+prefixed("p.", paymentCols)+`
		FROM payments p JOIN orders o ON o.id = p.order_id
		WHERE o.status = 'PENDING_PAYMENT'
		  AND p.status IN ('PENDING', 'INITIATED', 'FAILED')
		  AND p.updated_at < $1
		ORDER BY p.updated_at
		LIMIT $2`, before, limit)
}

func (t *txn) InsertNotification(ctx context.Context, n *orders.Notification) (bool, error) {
	var eventID *string
	if n.EventID != "" {
		eventID = &n.EventID
	}
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO notifications(id, user_id, type, title, message, is_read, event_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (event_id, user_id) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, eventID, n.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *txn) ListNotifications(ctx context.Context, userID string, limit int) ([]orders.Notification, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, user_id, type, title, message, is_read, COALESCE(event_id, ''), created_at
		FROM notifications WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orders.Notification
	for rows.Next() {
		var n orders.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.EventID, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
