package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/orders"
)

type mockLister struct {
	mu      sync.Mutex
	batch   []orders.Payment
	err     error
	befores []time.Time
	limits  []int
}

func (m *mockLister) ListStale(_ context.Context, before time.Time, limit int) ([]orders.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.befores = append(m.befores, before)
	m.limits = append(m.limits, limit)
	return m.batch, m.err
}

type mockResolver struct {
	mu       sync.Mutex
	resolved []string
	errFor   map[string]error
}

func (m *mockResolver) Reconcile(_ context.Context, p orders.Payment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, p.ID)
	if err := m.errFor[p.ID]; err != nil {
		return "unreachable", err
	}
	return "cancelled", nil
}

func (m *mockResolver) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.resolved...)
}

var sweepNow = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(l Lister, r Resolver) *Sweeper {
	return &Sweeper{
		Lister:     l,
		Resolver:   r,
		Workers:    2,
		Interval:   10 * time.Millisecond,
		StaleAfter: 30 * time.Minute,
		Batch:      50,
		Log:        zap.NewNop(),
		Now:        func() time.Time { return sweepNow },
	}
}

func TestWorkerLoopResolvesJobs(t *testing.T) {
	r := &mockResolver{errFor: map[string]error{"p-2": errors.New("gateway down")}}
	s := newSweeper(&mockLister{}, r)

	jobs := make(chan orders.Payment, 3)
	jobs <- orders.Payment{ID: "p-1"}
	jobs <- orders.Payment{ID: "p-2"}
	jobs <- orders.Payment{ID: "p-3"}
	close(jobs)

	s.workerLoop(context.Background(), 1, jobs)

	assert.Equal(t, []string{"p-1", "p-2", "p-3"}, r.ids())
}

func TestWorkerLoopStopsOnContext(t *testing.T) {
	s := newSweeper(&mockLister{}, &mockResolver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.workerLoop(ctx, 1, make(chan orders.Payment))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestDispatchSkipsInFlightAndOverflow(t *testing.T) {
	l := &mockLister{batch: []orders.Payment{{ID: "p-1"}, {ID: "p-2"}, {ID: "p-3"}}}
	s := newSweeper(l, &mockResolver{})
	jobs := make(chan orders.Payment, 2)

	assert.Equal(t, 2, s.dispatch(context.Background(), jobs))
	require.Len(t, l.befores, 1)
	assert.Equal(t, sweepNow.Add(-30*time.Minute), l.befores[0])
	assert.Equal(t, 50, l.limits[0])

	// p-1 and p-2 are in flight; p-3 was released but the queue is still full.
	assert.Equal(t, 0, s.dispatch(context.Background(), jobs))

	got := <-jobs
	s.done(got.ID)
	assert.Equal(t, 1, s.dispatch(context.Background(), jobs))
}

func TestDispatchListError(t *testing.T) {
	s := newSweeper(&mockLister{err: errors.New("db down")}, &mockResolver{})
	assert.Zero(t, s.dispatch(context.Background(), make(chan orders.Payment, 1)))
}

func TestDispatcherLoopEndToEnd(t *testing.T) {
	l := &mockLister{batch: []orders.Payment{{ID: "p-1"}, {ID: "p-2"}}}
	r := &mockResolver{}
	s := newSweeper(l, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.DispatcherLoop(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(r.ids()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Subset(t, r.ids(), []string{"p-1", "p-2"})
}
