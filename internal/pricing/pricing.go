// Package pricing computes order totals. It performs no I/O.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/teckw/go-shop-orders/internal/apperr"
)

var (
	// VATRate is applied to the order subtotal.
	VATRate = decimal.RequireFromString("0.18")

	ErrInvalidLineItem = apperr.New(apperr.Validation, "INVALID_LINE_ITEM", "invalid line item")

	hundred = decimal.NewFromInt(100)
)

type Line struct {
	ProductID string
	Price     decimal.NullDecimal
	Discount  decimal.NullDecimal // percent, 0-100
	Quantity  int
}

type PricedLine struct {
	ProductID      string
	Quantity       int
	EffectivePrice decimal.Decimal
	LineTotal      decimal.Decimal
}

type Quote struct {
	Lines    []PricedLine
	Subtotal decimal.Decimal
	VAT      decimal.Decimal
	Total    decimal.Decimal
}

// EffectivePrice applies a percentage discount and rounds to cents.
func EffectivePrice(price decimal.Decimal, discount decimal.NullDecimal) decimal.Decimal {
	if !discount.Valid || discount.Decimal.IsZero() {
		return price.Round(2)
	}
	factor := decimal.NewFromInt(1).Sub(discount.Decimal.Div(hundred))
	return price.Mul(factor).Round(2)
}

// Calculate prices every line and derives subtotal, VAT and total.
// VAT is reported rounded to cents; since the subtotal is already in cents,
// Subtotal + VAT == Total holds exactly.
func Calculate(lines []Line) (Quote, error) {
	q := Quote{Lines: make([]PricedLine, 0, len(lines)), Subtotal: decimal.Zero}
	for i, l := range lines {
		if l.Quantity <= 0 {
			return Quote{}, fmt.Errorf("line %d (%s): %w", i, l.ProductID,
				ErrInvalidLineItem.WithMessage("quantity must be positive"))
		}
		if !l.Price.Valid || l.Price.Decimal.IsNegative() {
			return Quote{}, fmt.Errorf("line %d (%s): %w", i, l.ProductID,
				ErrInvalidLineItem.WithMessage("price is missing"))
		}
		if l.Discount.Valid && (l.Discount.Decimal.IsNegative() || l.Discount.Decimal.GreaterThan(hundred)) {
			return Quote{}, fmt.Errorf("line %d (%s): %w", i, l.ProductID,
				ErrInvalidLineItem.WithMessage("discount out of range"))
		}

		eff := EffectivePrice(l.Price.Decimal, l.Discount)
		lineTotal := eff.Mul(decimal.NewFromInt(int64(l.Quantity)))
		q.Lines = append(q.Lines, PricedLine{
			ProductID:      l.ProductID,
			Quantity:       l.Quantity,
			EffectivePrice: eff,
			LineTotal:      lineTotal,
		})
		q.Subtotal = q.Subtotal.Add(lineTotal)
	}

	vat := q.Subtotal.Mul(VATRate)
	q.Total = q.Subtotal.Add(vat).Round(2)
	q.VAT = q.Total.Sub(q.Subtotal)
	return q, nil
}
