package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/teckw/go-shop-orders/internal/config"
	kafkax "github.com/teckw/go-shop-orders/internal/kafka"
	"github.com/teckw/go-shop-orders/internal/logging"
	"github.com/teckw/go-shop-orders/internal/notify"
	"github.com/teckw/go-shop-orders/internal/orders"
	"github.com/teckw/go-shop-orders/internal/postgres"
	"github.com/teckw/go-shop-orders/internal/redisx"
)

// notifier consumes order events and turns them into in-app notifications
// and mails.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logging.New("notifier", cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	h := &notify.Handler{Store: postgres.NewStore(db), Mailer: notify.LogMailer{}}
	if cfg.RedisAddr != "" {
		rdb := redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		h.Dedup = &redisx.Dedup{KV: rdb, Consumer: cfg.Notifier.Group}
	}

	c := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.Notifier.Group, orders.Topics, cfg.Notifier.Workers, log)
	log.Info("notifier started", zap.Strings("topics", orders.Topics), zap.String("group", cfg.Notifier.Group))
	if err := c.Start(ctx, h.HandleMessage); err != nil {
		log.Fatal("consumer", zap.Error(err))
	}
	log.Info("notifier stopped")
}
