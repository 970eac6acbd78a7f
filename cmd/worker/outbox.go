package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfleet/rental-service/internal/config"
	"github.com/openfleet/rental-service/internal/db"
	"github.com/openfleet/rental-service/internal/kafka"
	"github.com/openfleet/rental-service/internal/logger"
	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/repository"
	"github.com/openfleet/rental-service/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Run the outbox poller (publishes committed events to the bus)",
	RunE:  runOutbox,
}

func runOutbox(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
		MaxOpenConns:    cfg.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		PingTimeout:     cfg.MySQL.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	p := worker.NewOutboxPoller(dbx, repository.NewOutboxRepository(dbx), producer, log)
	if cfg.Outbox.PollInterval > 0 {
		p.Interval = cfg.Outbox.PollInterval
	}
	if cfg.Outbox.BatchSize > 0 {
		p.BatchSize = cfg.Outbox.BatchSize
	}
	if cfg.Outbox.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Outbox.MaxAttempts
	}
	if cfg.Outbox.PublishTimeout > 0 {
		p.PublishTimeout = cfg.Outbox.PublishTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("outbox worker starting",
		zap.Duration("interval", p.Interval),
		zap.Int("batch_size", p.BatchSize),
		zap.Int("max_attempts", p.MaxAttempts))

	return p.Run(ctx)
}
