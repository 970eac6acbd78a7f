package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfleet/rental-service/internal/cache"
	"github.com/openfleet/rental-service/internal/config"
	"github.com/openfleet/rental-service/internal/db"
	"github.com/openfleet/rental-service/internal/kafka"
	"github.com/openfleet/rental-service/internal/logger"
	"github.com/openfleet/rental-service/internal/metrics"
	"github.com/openfleet/rental-service/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var availabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Run the availability consumer (cache eviction + availability signal)",
	RunE:  runAvailability,
}

func runAvailability(cmd *cobra.Command, args []string) error {
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

	redisClient, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "rentalsvc"
	}
	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.LifecycleTopic,
		GroupID:        groupID + "-availability",
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	store := cache.NewRedisAvailabilityStore(redisClient, 10*time.Minute)
	w := worker.NewAvailabilityWorker(consumer, store, producer, cfg.Kafka.AvailabilityTopic, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("availability worker starting",
		zap.String("lifecycle_topic", cfg.Kafka.LifecycleTopic),
		zap.String("availability_topic", cfg.Kafka.AvailabilityTopic))

	return w.Run(ctx)
}
