// Package cart is the thin read/add shell in front of the cart rows the
// order flow consumes.
package cart

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/pricing"
)

var (
	ErrInvalidQuantity = apperr.New(apperr.Validation, "INVALID_QUANTITY", "quantity must be positive")
	ErrProductNotFound = apperr.New(apperr.NotFound, "PRODUCT_NOT_FOUND", "product not found")
	ErrExceedsStock    = apperr.New(apperr.Validation, "INSUFFICIENT_STOCK", "not enough stock available")
)

type Line struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"productId"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
	LineTotal  decimal.Decimal `json:"lineTotal"`
	Available  bool            `json:"available"`
}

type View struct {
	ID         string          `json:"id,omitempty"`
	Items      []Line          `json:"items"`
	ItemsCount int             `json:"itemsCount"`
	Total      decimal.Decimal `json:"total"`
}

type Service struct {
	Store orders.Store
}

// Get prices the cart at live product prices, before VAT.
func (s *Service) Get(ctx context.Context, userID string) (*View, error) {
	var c *orders.Cart
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		c, err = tx.LoadCart(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	v := &View{ID: c.ID, Items: []Line{}, Total: decimal.Zero}
	for _, it := range c.Items {
		final := pricing.EffectivePrice(it.Product.Price, it.Product.Discount)
		line := Line{
			ID:         it.ID,
			ProductID:  it.ProductID,
			Name:       it.Product.Name,
			Quantity:   it.Quantity,
			Price:      it.Product.Price,
			FinalPrice: final,
			LineTotal:  final.Mul(decimal.NewFromInt(int64(it.Quantity))),
			Available:  it.Product.Stock-it.Product.ReservedStock >= it.Quantity,
		}
		v.Items = append(v.Items, line)
		v.ItemsCount += it.Quantity
		v.Total = v.Total.Add(line.LineTotal)
	}
	v.Total = v.Total.Round(2)
	return v, nil
}

// Add puts qty of a product in the cart, merging with an existing line. The
// resulting quantity may not exceed the product's available stock.
func (s *Service) Add(ctx context.Context, userID, productID string, qty int) (*View, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if errors.Is(err, orders.ErrRecordNotFound) {
			return ErrProductNotFound
		}
		if err != nil {
			return err
		}
		c, err := tx.LoadCart(ctx, userID)
		if err != nil {
			return err
		}
		inCart := 0
		for _, it := range c.Items {
			if it.ProductID == productID {
				inCart = it.Quantity
			}
		}
		if p.Stock-p.ReservedStock < inCart+qty {
			return ErrExceedsStock
		}
		return tx.AddCartItem(ctx, userID, productID, qty)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, userID)
}
