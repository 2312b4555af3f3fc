package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/cart"
	"github.com/teckw/go-shop-orders/internal/config"
	"github.com/teckw/go-shop-orders/internal/httpx"
	kafkax "github.com/teckw/go-shop-orders/internal/kafka"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/memstore"
	"github.com/teckw/go-shop-orders/internal/metrics"
	"github.com/teckw/go-shop-orders/internal/momo"
	"github.com/teckw/go-shop-orders/internal/notify"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/payments"
	"github.com/teckw/go-shop-orders/internal/postgres"
	"github.com/teckw/go-shop-orders/internal/reconcile"
	"github.com/teckw/go-shop-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var store orders.Store
	if cfg.MemoryStorage() {
		log.Warn("using in-memory storage")
		store = memstore.New()
	} else {
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
		store = postgres.NewStore(db)
	}

	// Redis, optional
	var (
		idem  httpx.IdempotencyGuard
		dedup httpx.CallbackDedup
	)
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			log.Warn("redis unreachable, continuing without it", zap.Error(err))
		}
		idem = &redisx.Idempotency{KV: rdb}
		dedup = &redisx.Dedup{KV: rdb, Consumer: "momo-webhook"}
	}

	// Notification sink
	var (
		notifier orders.Notifier
		prod     *kafkax.Producer
		inline   *notify.InlineNotifier
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(context.WithoutCancel(ctx))
		notifier = &notify.KafkaNotifier{Producer: prod}
	} else {
		inline = &notify.InlineNotifier{Handler: &notify.Handler{Store: store, Mailer: notify.LogMailer{}}}
		notifier = inline
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, cfg.ServiceName)

	gateway := momo.NewClient(momo.Config{
		BaseURL:     cfg.MoMo.BaseURL,
		APIKey:      cfg.MoMo.APIKey,
		UserID:      cfg.MoMo.UserID,
		PrimaryKey:  cfg.MoMo.PrimaryKey,
		Environment: cfg.MoMo.Environment,
		Currency:    cfg.MoMo.Currency,
		CallbackURL: cfg.MoMo.CallbackURL,
		CountryCode: cfg.MoMo.CountryCode,
		Timeout:     cfg.MoMo.Timeout,
		TokenTTL:    cfg.MoMo.TokenTTL,
	}, nil, m)

	paySvc := &payments.Service{
		Store:    store,
		Gateway:  gateway,
		Notifier: notifier,
		Metrics:  m,
		Currency: cfg.MoMo.Currency,
		Producer: cfg.ServiceName,
	}
	orderSvc := &orders.Service{
		Store:    store,
		Payments: paySvc,
		Notifier: notifier,
		Metrics:  m,
		Currency: cfg.MoMo.Currency,
		Producer: cfg.ServiceName,
	}

	sweeper := &reconcile.Sweeper{
		Lister:     paySvc,
		Resolver:   paySvc,
		Workers:    cfg.Reconcile.Workers,
		Interval:   cfg.Reconcile.Interval,
		StaleAfter: cfg.Reconcile.StaleAfter,
		Batch:      cfg.Reconcile.Batch,
		Log:        log,
	}
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.DispatcherLoop(ctx)
	}()

	router := httpx.NewRouter(log, m, metrics.Handler(reg), cfg.HTTPTimeout)
	httpx.API{
		Auth:     &httpx.Authenticator{Secret: []byte(cfg.JWTSecret)},
		Orders:   httpx.NewOrdersHandler(orderSvc, idem, cfg.Production()),
		Payments: httpx.NewPaymentsHandler(paySvc, dedup, cfg.Production()),
		Cart:     httpx.NewCartHandler(&cart.Service{Store: store}, &notify.Inbox{Store: store}, cfg.Production()),
	}.Mount(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-sweepDone
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	if inline != nil {
		inline.Wait()
	}
}
