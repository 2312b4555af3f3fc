package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/cart"
	"github.com/teckw/go-shop-orders/internal/memstore"
	"github.com/teckw/go-shop-orders/internal/momo"
	"github.com/teckw/go-shop-orders/internal/notify"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/payments"
	"github.com/teckw/go-shop-orders/internal/redisx"
)

type stubGateway struct {
	mu     sync.Mutex
	payErr error
}

func (g *stubGateway) RequestToPay(context.Context, momo.PayRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.payErr
}

func (g *stubGateway) Status(context.Context, string) (string, error) { return "PENDING", nil }

func (g *stubGateway) CheckStatus(context.Context, string) orders.PaymentStatus {
	return orders.PaymentPending
}

func (g *stubGateway) PaymentURL(ref string) string { return "https://pay.example/" + ref }

func (g *stubGateway) NormalizePhone(raw string) (string, error) { return momo.NormalizeMSISDN(raw, "250") }

type memGuard struct {
	mu   sync.Mutex
	keys map[string]string
}

func (g *memGuard) Claim(_ context.Context, userID, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := userID + "/" + key
	if id, ok := g.keys[k]; ok {
		if id == "" {
			return "", false, redisx.ErrRequestInProgress
		}
		return id, false, nil
	}
	g.keys[k] = ""
	return "", true, nil
}

func (g *memGuard) Complete(_ context.Context, userID, key, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[userID+"/"+key] = orderID
	return nil
}

func (g *memGuard) Release(_ context.Context, userID, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, userID+"/"+key)
	return nil
}

type server struct {
	store   *memstore.Store
	gateway *stubGateway
	auth    *Authenticator
	srv     *httptest.Server
}

func newServer(t *testing.T) *server {
	t.Helper()
	st := memstore.New()
	st.PutProduct(orders.Product{
		ID:       "prod-1",
		Name:     "Kitenge shirt",
		Price:    decimal.NewFromInt(1000),
		Discount: decimal.NewNullDecimal(decimal.NewFromInt(10)),
		Stock:    5,
	})
	st.PutAddress(orders.Address{ID: "addr-1", UserID: "user-1"})

	gw := &stubGateway{}
	now := func() time.Time { return time.Date(2026, 5, 20, 8, 0, 0, 0, time.UTC) }
	ps := &payments.Service{Store: st, Gateway: gw, Currency: "RWF", Producer: "test", Now: now}
	osvc := &orders.Service{Store: st, Payments: ps, Currency: "RWF", Producer: "test", Now: now}

	auth := &Authenticator{Secret: []byte("test-secret")}
	r := NewRouter(zap.NewNop(), nil, nil, 0)
	API{
		Auth:     auth,
		Orders:   NewOrdersHandler(osvc, &memGuard{keys: map[string]string{}}, false),
		Payments: NewPaymentsHandler(ps, nil, false),
		Cart:     NewCartHandler(&cart.Service{Store: st}, &notify.Inbox{Store: st}, false),
	}.Mount(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &server{store: st, gateway: gw, auth: auth, srv: srv}
}

type reply struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Detail  string          `json:"detail"`
}

func (s *server) do(t *testing.T, method, path, user string, body any, hdr ...string) (int, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := s.auth.Issue(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRequiresBearerToken(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", body.Code)

	other := &Authenticator{Secret: []byte("other")}
	tok, err := other.Issue("user-1", time.Hour)
	require.NoError(t, err)
	code, _ = s.do(t, http.MethodGet, "/orders", "", nil, "Authorization", "Bearer "+tok)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCreateOrderCOD(t *testing.T) {
	s := newServer(t)
	s.store.AddToCart("user-1", "prod-1", 2)

	code, body := s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "CASH_ON_DELIVERY"})
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, body.Success)
	assert.Equal(t, "Order placed successfully", body.Message)

	var res orders.CreateResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	assert.Equal(t, orders.StatusAwaitingConfirmation, res.Order.Status)
	assert.Equal(t, "2124", res.Order.Total.String())
	assert.Equal(t, 0, s.store.CartSize("user-1"))
}

func TestCreateOrderIdempotencyKeyReplays(t *testing.T) {
	s := newServer(t)
	s.store.AddToCart("user-1", "prod-1", 1)
	body := map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "COD"}

	code, first := s.do(t, http.MethodPost, "/orders", "user-1", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, code)
	var created orders.CreateResult
	require.NoError(t, json.Unmarshal(first.Data, &created))

	code, second := s.do(t, http.MethodPost, "/orders", "user-1", body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, code)
	var replay struct {
		Order orders.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(second.Data, &replay))
	assert.Equal(t, created.Order.ID, replay.Order.ID)
	assert.Equal(t, 1, s.store.OrderCount())
}

func TestCreateOrderValidation(t *testing.T) {
	s := newServer(t)
	s.store.AddToCart("user-1", "prod-1", 1)

	code, body := s.do(t, http.MethodPost, "/orders", "user-1", map[string]string{"paymentMethod": "COD"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", body.Code)

	code, body = s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "CARD"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "UNSUPPORTED_PAYMENT_METHOD", body.Code)

	code, body = s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-x", "paymentMethod": "COD"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ADDRESS", body.Code)

	code, body = s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "MOMO"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "PHONE_REQUIRED", body.Code)

	code, body = s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "MOMO", "momoPhone": "call me"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_PHONE", body.Code)
	assert.Zero(t, s.store.OrderCount())
}

func TestCreateOrderGatewayFailure(t *testing.T) {
	s := newServer(t)
	s.gateway.payErr = errors.New("connection refused")
	s.store.AddToCart("user-1", "prod-1", 1)

	code, body := s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "MOBILE_MONEY", "momoPhone": "0788123456"})
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.False(t, body.Success)
	assert.Equal(t, "PAYMENT_INITIATION_FAILED", body.Code)
	assert.NotEmpty(t, body.Detail)

	var res orders.CreateResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	require.NotNil(t, res.Order)
	assert.Equal(t, orders.StatusPendingPayment, res.Order.Status)
	assert.Equal(t, orders.PaymentFailed, s.store.Payment(res.Payment.ID).Status)
}

func TestWebhook(t *testing.T) {
	s := newServer(t)
	s.store.AddToCart("user-1", "prod-1", 1)
	_, body := s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "MOMO", "momoPhone": "0788123456"})
	var res orders.CreateResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	ref := res.Payment.Reference

	t.Run("missing fields", func(t *testing.T) {
		code, _ := s.do(t, http.MethodPost, "/payments/webhook/momo", "", map[string]string{"status": "SUCCESSFUL"})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("unknown reference", func(t *testing.T) {
		code, body := s.do(t, http.MethodPost, "/payments/webhook/momo", "",
			map[string]string{"referenceId": "nope", "status": "SUCCESSFUL"})
		assert.Equal(t, http.StatusOK, code)
		assert.False(t, body.Success)
		assert.Equal(t, "Payment reference not found", body.Message)
	})

	t.Run("paid", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			code, body := s.do(t, http.MethodPost, "/payments/webhook/momo", "",
				map[string]string{"referenceId": ref, "status": "SUCCESSFUL"})
			assert.Equal(t, http.StatusOK, code)
			assert.True(t, body.Success)
			assert.Equal(t, "Callback processed successfully", body.Message)
		}
		assert.Equal(t, orders.StatusProcessing, s.store.Order(res.Order.ID).Status)
		assert.Equal(t, orders.PaymentPaid, s.store.Payment(res.Payment.ID).Status)
	})
}

func TestOrderReadAndCancel(t *testing.T) {
	s := newServer(t)
	s.store.PutAddress(orders.Address{ID: "addr-2", UserID: "user-2"})
	s.store.AddToCart("user-1", "prod-1", 2)
	_, body := s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "COD"})
	var res orders.CreateResult
	require.NoError(t, json.Unmarshal(body.Data, &res))
	path := "/orders/" + res.Order.ID

	code, _ := s.do(t, http.MethodGet, path, "user-1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, path, "user-2", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", body.Code)

	code, body = s.do(t, http.MethodGet, "/orders?status=bogus", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_STATUS", body.Code)

	code, body = s.do(t, http.MethodGet, "/orders?status=awaiting_confirmation&page=1&limit=5", "user-1", nil)
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Orders []orders.Order `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Len(t, page.Orders, 1)

	code, body = s.do(t, http.MethodPut, path, "user-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Order cancelled successfully", body.Message)
	assert.Equal(t, 5, s.store.Product("prod-1").Stock)

	code, body = s.do(t, http.MethodPut, path, "user-1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "NOT_CANCELLABLE", body.Code)
}

func TestPaymentEndpoints(t *testing.T) {
	s := newServer(t)
	s.store.AddToCart("user-1", "prod-1", 1)
	_, body := s.do(t, http.MethodPost, "/orders", "user-1",
		map[string]string{"shippingAddressId": "addr-1", "paymentMethod": "MOMO", "momoPhone": "0788123456"})
	var res orders.CreateResult
	require.NoError(t, json.Unmarshal(body.Data, &res))

	code, _ := s.do(t, http.MethodGet, "/payments/"+res.Payment.ID, "user-1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, "/payments/"+res.Payment.ID, "user-2", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(t, http.MethodGet, "/payments/missing", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "PAYMENT_NOT_FOUND", body.Code)

	code, body = s.do(t, http.MethodGet, "/payments/"+res.Payment.ID+"/verify", "user-1", nil)
	require.Equal(t, http.StatusOK, code)
	var vr payments.VerifyResult
	require.NoError(t, json.Unmarshal(body.Data, &vr))
	assert.False(t, vr.Changed)

	code, body = s.do(t, http.MethodPost, "/payments", "user-1",
		map[string]string{"orderId": res.Order.ID, "paymentMethod": "MOMO", "momoPhone": "0788123456"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "PAYMENT_IN_PROGRESS", body.Code)
}

func TestCartAndNotifications(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodPost, "/cart/items", "user-1", map[string]any{"productId": "prod-1", "quantity": 2})
	require.Equal(t, http.StatusCreated, code)
	var v cart.View
	require.NoError(t, json.Unmarshal(body.Data, &v))
	assert.Equal(t, 2, v.ItemsCount)

	code, body = s.do(t, http.MethodPost, "/cart/items", "user-1", map[string]any{"productId": "ghost", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "PRODUCT_NOT_FOUND", body.Code)

	code, _ = s.do(t, http.MethodGet, "/cart", "user-1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, "/notifications", "user-1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)
}
