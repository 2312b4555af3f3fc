package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Price         decimal.Decimal     `json:"price"`
	Discount      decimal.NullDecimal `json:"discount"`
	Stock         int                 `json:"stock"`
	ReservedStock int                 `json:"reservedStock"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type Address struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postalCode,omitempty"`
}

type Cart struct {
	ID     string     `json:"id"`
	UserID string     `json:"userId"`
	Items  []CartItem `json:"items"`
}

// CartItem carries the live product row it points to.
type CartItem struct {
	ID        string  `json:"id"`
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Product   Product `json:"product"`
}

type Order struct {
	ID                string          `json:"id"`
	Number            string          `json:"orderNumber"`
	UserID            string          `json:"userId"`
	ShippingAddressID string          `json:"shippingAddressId"`
	Status            OrderStatus     `json:"status"`
	PaymentMethod     PaymentMethod   `json:"paymentMethod"`
	InventoryState    InventoryState  `json:"inventoryState"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	VAT               decimal.Decimal `json:"vat"`
	Total             decimal.Decimal `json:"total"`
	Items             []OrderItem     `json:"items"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// OrderItem snapshots the unit price at order time.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type Payment struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        PaymentMethod   `json:"method"`
	Status        PaymentStatus   `json:"status"`
	Reference     string          `json:"reference"`
	TransactionID *string         `json:"transactionId"`
	LastError     *string         `json:"lastError"`
	PayerPhone    string          `json:"payerPhone,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Read      bool      `json:"isRead"`
	EventID   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Initiation is what the gateway hands back for a submitted pay-request.
type Initiation struct {
	Reference  string        `json:"reference"`
	PaymentURL string        `json:"paymentUrl"`
	Status     PaymentStatus `json:"status"`
}
