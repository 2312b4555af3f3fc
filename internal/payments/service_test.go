package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teckw/go-shop-orders/internal/apperr"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/memstore"
	"github.com/teckw/go-shop-orders/internal/metrics"
	"github.com/teckw/go-shop-orders/internal/momo"
	"github.com/teckw/go-shop-orders/internal/orders"
)

type fakeGateway struct {
	mu        sync.Mutex
	payErr    error
	statusErr error
	raw       string
	requests  []momo.PayRequest
	hang      bool                  // block until ctx is done
	onPay     func(momo.PayRequest) // runs before RequestToPay returns
}

func (g *fakeGateway) RequestToPay(ctx context.Context, r momo.PayRequest) error {
	g.mu.Lock()
	g.requests = append(g.requests, r)
	err, hang, onPay := g.payErr, g.hang, g.onPay
	g.mu.Unlock()

	if hang {
		<-ctx.Done()
		return momo.ErrGatewayRequest.Wrap(ctx.Err())
	}
	if onPay != nil {
		onPay(r)
	}
	return err
}

func (g *fakeGateway) Status(context.Context, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.raw, g.statusErr
}

func (g *fakeGateway) CheckStatus(ctx context.Context, ref string) orders.PaymentStatus {
	raw, err := g.Status(ctx, ref)
	if err != nil {
		return orders.PaymentPending
	}
	return momo.MapStatus(raw)
}

func (g *fakeGateway) PaymentURL(ref string) string { return "https://pay.example/" + ref }

func (g *fakeGateway) NormalizePhone(raw string) (string, error) { return momo.NormalizeMSISDN(raw, "250") }

type recorder struct {
	mu     sync.Mutex
	events []orders.Envelope
}

func (r *recorder) Notify(_ context.Context, ev orders.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

var testNow = time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *memstore.Store
	gateway  *fakeGateway
	notifier *recorder
	payments *Service
	orders   *orders.Service
}

func newHarness(t *testing.T) *harness {
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

	gw := &fakeGateway{}
	rec := &recorder{}
	now := func() time.Time { return testNow }
	ps := &Service{Store: st, Gateway: gw, Notifier: rec, Currency: "RWF", Producer: "test", Now: now}
	osvc := &orders.Service{Store: st, Payments: ps, Notifier: rec, Currency: "RWF", Producer: "test", Now: now}
	return &harness{store: st, gateway: gw, notifier: rec, payments: ps, orders: osvc}
}

func (h *harness) momoOrder(t *testing.T) *orders.CreateResult {
	t.Helper()
	h.store.AddToCart("user-1", "prod-1", 2)
	res, err := h.orders.CreateOrder(context.Background(), orders.CreateInput{
		UserID:            "user-1",
		ShippingAddressID: "addr-1",
		PaymentMethod:     orders.MethodMoMo,
		MoMoPhone:         "0788123456",
	})
	if h.gateway.payErr == nil {
		require.NoError(t, err)
	}
	require.NotNil(t, res)
	return res
}

func TestInitiateRecordsTransactionID(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)

	p := h.store.Payment(res.Payment.ID)
	assert.Equal(t, orders.PaymentInitiated, p.Status)
	require.NotNil(t, p.TransactionID)
	assert.Equal(t, p.Reference, *p.TransactionID)
	assert.Nil(t, p.LastError)

	require.Len(t, h.gateway.requests, 1)
	req := h.gateway.requests[0]
	assert.Equal(t, p.Reference, req.Reference)
	assert.Equal(t, "2124.00", req.Amount.StringFixed(2))
	assert.Equal(t, res.Order.Number, req.OrderNumber)
	assert.Equal(t, "https://pay.example/"+p.Reference, res.Initiation.PaymentURL)
}

func TestGatewayFailureLeavesReservation(t *testing.T) {
	h := newHarness(t)
	h.gateway.payErr = momo.ErrGatewayRequest.Wrap(errors.New("connection reset"))

	res := h.momoOrder(t)

	p := h.store.Payment(res.Payment.ID)
	assert.Equal(t, orders.PaymentFailed, p.Status)
	require.NotNil(t, p.LastError)
	assert.Contains(t, *p.LastError, "connection reset")
	assert.Nil(t, p.TransactionID)

	assert.Equal(t, orders.StatusPendingPayment, h.store.Order(res.Order.ID).Status)
	prod := h.store.Product("prod-1")
	assert.Equal(t, 2, prod.ReservedStock)
	assert.Equal(t, 5, prod.Stock)
}

func TestGatewayTimeoutIsRecordedAsFailed(t *testing.T) {
	h := newHarness(t)
	h.gateway.hang = true
	h.store.AddToCart("user-1", "prod-1", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.orders.CreateOrder(ctx, orders.CreateInput{
		UserID:            "user-1",
		ShippingAddressID: "addr-1",
		PaymentMethod:     orders.MethodMoMo,
		MoMoPhone:         "0788123456",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, orders.ErrPaymentInitiationFailed))
	require.NotNil(t, res)

	p := h.store.Payment(res.Payment.ID)
	assert.Equal(t, orders.PaymentFailed, p.Status)
	require.NotNil(t, p.LastError)
	assert.Contains(t, *p.LastError, "deadline exceeded")
	assert.Equal(t, orders.StatusPendingPayment, h.store.Order(res.Order.ID).Status)
	assert.Equal(t, 2, h.store.Product("prod-1").ReservedStock)
}

func TestInvalidPhoneCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.store.AddToCart("user-1", "prod-1", 2)

	_, err := h.orders.CreateOrder(context.Background(), orders.CreateInput{
		UserID:            "user-1",
		ShippingAddressID: "addr-1",
		PaymentMethod:     orders.MethodMoMo,
		MoMoPhone:         "call me",
	})
	assert.True(t, errors.Is(err, momo.ErrInvalidPhone))
	assert.Zero(t, h.store.OrderCount())
	assert.Zero(t, h.store.Product("prod-1").ReservedStock)
	assert.Empty(t, h.gateway.requests)
}

func TestCallbackBeforeInitiateStillSetsTransactionID(t *testing.T) {
	h := newHarness(t)
	h.gateway.onPay = func(r momo.PayRequest) {
		found, err := h.payments.HandleCallback(context.Background(), r.Reference, "SUCCESSFUL")
		require.NoError(t, err)
		require.True(t, found)
	}
	res := h.momoOrder(t)

	p := h.store.Payment(res.Payment.ID)
	assert.Equal(t, orders.PaymentPaid, p.Status)
	require.NotNil(t, p.TransactionID)
	assert.Equal(t, p.Reference, *p.TransactionID)
	assert.Equal(t, orders.StatusProcessing, h.store.Order(res.Order.ID).Status)
}

func TestPaidAfterCancelIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.payments.Metrics = metrics.New(prometheus.NewRegistry(), "test")
	res := h.momoOrder(t)

	_, err := h.orders.CancelOrder(context.Background(), "user-1", res.Order.ID)
	require.NoError(t, err)
	require.Equal(t, orders.PaymentCancelled, h.store.Payment(res.Payment.ID).Status)

	core, logs := observer.New(zap.WarnLevel)
	ctx := logging.ContextWithLogger(context.Background(), zap.New(core))
	found, err := h.payments.HandleCallback(ctx, res.Payment.Reference, "SUCCESSFUL")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Equal(t, orders.PaymentCancelled, h.store.Payment(res.Payment.ID).Status)
	assert.Equal(t, orders.StatusCancelled, h.store.Order(res.Order.ID).Status)
	assert.Equal(t, 1, logs.FilterMessage("payment_paid_after_terminal").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.payments.Metrics.LatePaid.WithLabelValues("CANCELLED")))
}

func TestCallbackSettlesOrderOnce(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)
	ctx := context.Background()
	ref := res.Payment.Reference

	found, err := h.payments.HandleCallback(ctx, ref, "SUCCESSFUL")
	require.NoError(t, err)
	assert.True(t, found)

	o := h.store.Order(res.Order.ID)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, orders.InventoryCommitted, o.InventoryState)
	prod := h.store.Product("prod-1")
	assert.Equal(t, 3, prod.Stock)
	assert.Zero(t, prod.ReservedStock)
	assert.Equal(t, orders.PaymentPaid, h.store.Payment(res.Payment.ID).Status)

	// Redelivery and a late failure must not change anything.
	found, err = h.payments.HandleCallback(ctx, ref, "SUCCESSFUL")
	require.NoError(t, err)
	assert.True(t, found)
	_, err = h.payments.HandleCallback(ctx, ref, "FAILED")
	require.NoError(t, err)

	assert.Equal(t, orders.PaymentPaid, h.store.Payment(res.Payment.ID).Status)
	assert.Equal(t, 3, h.store.Product("prod-1").Stock)
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventPaymentSettled}, h.notifier.types())
}

func TestCallbackFailureKeepsOrderPending(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)

	_, err := h.payments.HandleCallback(context.Background(), res.Payment.Reference, "REJECTED")
	require.NoError(t, err)

	assert.Equal(t, orders.PaymentFailed, h.store.Payment(res.Payment.ID).Status)
	assert.Equal(t, orders.StatusPendingPayment, h.store.Order(res.Order.ID).Status)
	assert.Equal(t, 2, h.store.Product("prod-1").ReservedStock)
}

func TestCallbackUnknownReference(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)
	before := h.store.Payment(res.Payment.ID)

	found, err := h.payments.HandleCallback(context.Background(), "no-such-ref", "SUCCESSFUL")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, before, h.store.Payment(res.Payment.ID))
	assert.Equal(t, orders.StatusPendingPayment, h.store.Order(res.Order.ID).Status)
}

func TestCallbackForCancelledOrderDoesNotRevive(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)
	ctx := context.Background()

	_, err := h.orders.CancelOrder(ctx, "user-1", res.Order.ID)
	require.NoError(t, err)

	_, err = h.payments.HandleCallback(ctx, res.Payment.Reference, "SUCCESSFUL")
	require.NoError(t, err)

	assert.Equal(t, orders.StatusCancelled, h.store.Order(res.Order.ID).Status)
	assert.Equal(t, orders.PaymentCancelled, h.store.Payment(res.Payment.ID).Status)
	assert.Equal(t, 5, h.store.Product("prod-1").Stock)
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)
	ctx := context.Background()

	h.gateway.raw = "PENDING"
	out, err := h.payments.Verify(ctx, "user-1", res.Payment.ID)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, orders.PaymentInitiated, out.Payment.Status)

	h.gateway.raw = "SUCCESSFUL"
	out, err = h.payments.Verify(ctx, "user-1", res.Payment.ID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, orders.PaymentPaid, out.Payment.Status)
	assert.Equal(t, orders.StatusProcessing, h.store.Order(res.Order.ID).Status)

	_, err = h.payments.Verify(ctx, "user-2", res.Payment.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = h.payments.Verify(ctx, "user-1", "missing")
	assert.True(t, errors.Is(err, ErrPaymentNotFound))
}

func TestCreateRetriesAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.gateway.payErr = errors.New("timeout")
	first := h.momoOrder(t)
	h.gateway.payErr = nil
	ctx := context.Background()

	res, err := h.payments.Create(ctx, CreateInput{
		UserID:    "user-1",
		OrderID:   first.Order.ID,
		Method:    orders.MethodMoMo,
		MoMoPhone: "0788123456",
	})
	require.NoError(t, err)
	assert.Equal(t, MessageMoMo, res.Message)
	assert.Equal(t, orders.PaymentInitiated, res.Payment.Status)
	assert.NotEqual(t, first.Payment.Reference, res.Payment.Reference)

	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodMoMo, MoMoPhone: "0788123456"})
	assert.True(t, errors.Is(err, ErrPaymentInProgress))
}

func TestCreateSwitchesToCOD(t *testing.T) {
	h := newHarness(t)
	h.gateway.payErr = errors.New("timeout")
	first := h.momoOrder(t)
	ctx := context.Background()

	res, err := h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodCOD})
	require.NoError(t, err)
	assert.Equal(t, MessageCOD, res.Message)
	assert.Equal(t, orders.StatusAwaitingConfirmation, res.Order.Status)
	assert.Equal(t, orders.MethodCOD, res.Order.PaymentMethod)

	prod := h.store.Product("prod-1")
	assert.Equal(t, 3, prod.Stock)
	assert.Zero(t, prod.ReservedStock)

	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodCOD})
	assert.True(t, errors.Is(err, orders.ErrOrderNotPayable))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	first := h.momoOrder(t)
	ctx := context.Background()

	_, err := h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodMoMo})
	assert.True(t, errors.Is(err, orders.ErrPhoneRequired))
	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodMoMo, MoMoPhone: "call me"})
	assert.True(t, errors.Is(err, momo.ErrInvalidPhone))
	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: "CARD"})
	assert.True(t, errors.Is(err, orders.ErrUnsupportedMethod))
	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-2", OrderID: first.Order.ID, Method: orders.MethodCOD})
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: "missing", Method: orders.MethodCOD})
	assert.True(t, errors.Is(err, orders.ErrOrderNotFound))
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("settles a payment the gateway reports paid", func(t *testing.T) {
		h := newHarness(t)
		res := h.momoOrder(t)
		h.gateway.raw = "SUCCESSFUL"

		got, err := h.payments.Reconcile(ctx, h.store.Payment(res.Payment.ID))
		require.NoError(t, err)
		assert.Equal(t, "settled", got)
		assert.Equal(t, orders.StatusProcessing, h.store.Order(res.Order.ID).Status)
	})

	t.Run("expires an abandoned payment", func(t *testing.T) {
		h := newHarness(t)
		res := h.momoOrder(t)
		h.gateway.raw = "PENDING"

		got, err := h.payments.Reconcile(ctx, h.store.Payment(res.Payment.ID))
		require.NoError(t, err)
		assert.Equal(t, "cancelled", got)

		assert.Equal(t, orders.StatusCancelled, h.store.Order(res.Order.ID).Status)
		assert.Equal(t, orders.PaymentCancelled, h.store.Payment(res.Payment.ID).Status)
		prod := h.store.Product("prod-1")
		assert.Equal(t, 5, prod.Stock)
		assert.Zero(t, prod.ReservedStock)
		assert.Contains(t, h.notifier.types(), orders.EventOrderCancelled)
	})

	t.Run("releases stock held by a failed initiation", func(t *testing.T) {
		h := newHarness(t)
		h.gateway.payErr = errors.New("timeout")
		res := h.momoOrder(t)

		got, err := h.payments.Reconcile(ctx, h.store.Payment(res.Payment.ID))
		require.NoError(t, err)
		assert.Equal(t, "cancelled", got)
		assert.Zero(t, h.store.Product("prod-1").ReservedStock)
		assert.Equal(t, orders.PaymentFailed, h.store.Payment(res.Payment.ID).Status)
	})

	t.Run("leaves everything alone when the gateway is unreachable", func(t *testing.T) {
		h := newHarness(t)
		res := h.momoOrder(t)
		h.gateway.statusErr = momo.ErrGatewayRequest

		got, err := h.payments.Reconcile(ctx, h.store.Payment(res.Payment.ID))
		assert.Error(t, err)
		assert.Equal(t, "unreachable", got)
		assert.Equal(t, orders.StatusPendingPayment, h.store.Order(res.Order.ID).Status)
		assert.Equal(t, 2, h.store.Product("prod-1").ReservedStock)
	})

	t.Run("skips when a newer attempt is live", func(t *testing.T) {
		h := newHarness(t)
		h.gateway.payErr = errors.New("timeout")
		first := h.momoOrder(t)
		h.gateway.payErr = nil
		_, err := h.payments.Create(ctx, CreateInput{UserID: "user-1", OrderID: first.Order.ID, Method: orders.MethodMoMo, MoMoPhone: "0788123456"})
		require.NoError(t, err)

		got, err := h.payments.Reconcile(ctx, h.store.Payment(first.Payment.ID))
		require.NoError(t, err)
		assert.Equal(t, "skipped", got)
		assert.Equal(t, orders.StatusPendingPayment, h.store.Order(first.Order.ID).Status)
	})
}

func TestListStale(t *testing.T) {
	h := newHarness(t)
	res := h.momoOrder(t)
	ctx := context.Background()

	fresh, err := h.payments.ListStale(ctx, testNow.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	h.store.SetPaymentUpdatedAt(res.Payment.ID, testNow.Add(-time.Hour))
	stale, err := h.payments.ListStale(ctx, testNow.Add(-15*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, res.Payment.ID, stale[0].ID)
}
