// Package reconcile periodically resolves payments left open after the order
// transaction committed: settle what the gateway reports paid, expire the
// rest and give their stock back.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/orders"
)

type Lister interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]orders.Payment, error)
}

type Resolver interface {
	Reconcile(ctx context.Context, p orders.Payment) (string, error)
}

type Sweeper struct {
	Lister     Lister
	Resolver   Resolver
	Workers    int
	Interval   time.Duration
	StaleAfter time.Duration
	Batch      int
	Log        *zap.Logger
	Now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Sweeper) workerLoop(ctx context.Context, id int, jobs <-chan orders.Payment) {
	log := s.Log.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-jobs:
			if !ok {
				return
			}
			result, err := s.Resolver.Reconcile(ctx, p)
			s.done(p.ID)
			if err != nil {
				log.Warn("reconcile_failed", zap.String("payment_id", p.ID), zap.String("result", result), zap.Error(err))
				continue
			}
			log.Info("reconciled", zap.String("payment_id", p.ID), zap.String("order_id", p.OrderID), zap.String("result", result))
		}
	}
}

// DispatcherLoop runs a sweep every Interval until ctx is done.
func (s *Sweeper) DispatcherLoop(ctx context.Context) {
	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan orders.Payment, workers*3)

	var wg sync.WaitGroup
	for i := 1; i <= workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id, jobs)
		}(i)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Log.Info("reconcile_started", zap.Duration("interval", s.Interval), zap.Duration("stale_after", s.StaleAfter))
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			s.Log.Info("reconcile_stopped")
			return
		case <-ticker.C:
			s.dispatch(ctx, jobs)
		}
	}
}

// dispatch enqueues one batch of stale payments. Payments still being
// worked on from an earlier tick, and any that do not fit in the queue,
// wait for the next tick.
func (s *Sweeper) dispatch(ctx context.Context, jobs chan<- orders.Payment) int {
	stale, err := s.Lister.ListStale(ctx, s.now().Add(-s.StaleAfter), s.Batch)
	if err != nil {
		s.Log.Warn("reconcile_list_failed", zap.Error(err))
		return 0
	}
	queued := 0
	for _, p := range stale {
		if !s.claim(p.ID) {
			continue
		}
		select {
		case jobs <- p:
			queued++
		default:
			s.done(p.ID)
			s.Log.Debug("reconcile_queue_full", zap.String("payment_id", p.ID))
		}
	}
	if queued > 0 {
		s.Log.Info("reconcile_dispatched", zap.Int("count", queued))
	}
	return queued
}

func (s *Sweeper) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		s.inFlight = map[string]bool{}
	}
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Sweeper) done(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
