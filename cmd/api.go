package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backoffice/services/fulfillment/config"
	"example.com/backoffice/services/fulfillment/internal/api"
	"example.com/backoffice/services/fulfillment/internal/cache"
	"example.com/backoffice/services/fulfillment/internal/database"
	"example.com/backoffice/services/fulfillment/internal/messaging"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/search"
	"example.com/backoffice/services/fulfillment/internal/services"
	"example.com/backoffice/services/fulfillment/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server handling delivery approvals, payments, arrivals and preorder operations`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Noop()
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without movement audit index")
	}

	var notifier messaging.ServiceBusClient
	if cfg.ServiceBus.ConnectionString != "" {
		notifier, err = messaging.NewServiceBusClient(cfg.ServiceBus, "api")
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Service Bus client, continuing without notification publishing")
		}
	}

	metricsCollector := metrics.NewMetrics()
	metricsCollector.SetHealth("database", true)
	if redisCache != nil {
		metricsCollector.SetHealth("cache", true)
	}
	if elasticClient != nil {
		metricsCollector.SetHealth("audit_index", true)
	}
	if notifier != nil {
		metricsCollector.SetHealth("notifications", true)
	}

	var audit services.MovementIndexer
	if elasticClient != nil {
		audit = elasticClient
	}
	var sink services.NotificationSink
	if notifier != nil {
		sink = notifier
	}

	fulfillmentService := services.NewFulfillmentService(db, readOnlyDB, redisCache, audit, sink, metricsCollector, tracer)

	server := api.NewServer(cfg, fulfillmentService, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			log.Error().Err(err).Msg("Service Bus shutdown error")
		}
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	writeConn, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readConn, err := database.Connect(cfg.ReadOnlyDB)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Migrations run against the write database only
	if err := database.AutoMigrate(writeConn); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	db, err := writeConn.DB()
	if err != nil {
		return nil, nil, err
	}
	readOnlyDB, err := readConn.DB()
	if err != nil {
		return nil, nil, err
	}

	return db, readOnlyDB, nil
}
