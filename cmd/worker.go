package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"example.com/backoffice/services/fulfillment/config"
	"example.com/backoffice/services/fulfillment/internal/cache"
	"example.com/backoffice/services/fulfillment/internal/messaging"
	"example.com/backoffice/services/fulfillment/internal/metrics"
	"example.com/backoffice/services/fulfillment/internal/search"
	"example.com/backoffice/services/fulfillment/internal/services"
	"example.com/backoffice/services/fulfillment/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker consuming stock arrival events and sweeping invoice statuses`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

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

	serviceBus, err := messaging.NewServiceBusClient(cfg.ServiceBus, "worker")
	if err != nil {
		return err
	}
	defer func() {
		if err := serviceBus.Close(); err != nil {
			log.Error().Err(err).Msg("Service Bus shutdown error")
		}
	}()

	metricsCollector := metrics.NewMetrics()

	var audit services.MovementIndexer
	if elasticClient != nil {
		audit = elasticClient
	}

	fulfillmentService := services.NewFulfillmentService(db, readOnlyDB, redisCache, audit, serviceBus, metricsCollector, tracer)

	// Stock arrival events from warehouse systems
	g.Go(func() error {
		log.Info().Str("queue", cfg.ServiceBus.ArrivalQueue).Msg("Starting stock arrival processor")
		return serviceBus.ProcessMessages(ctx, cfg.ServiceBus.ArrivalQueue, func(ctx context.Context, body []byte) error {
			var arrival services.StockArrivalInput
			if err := json.Unmarshal(body, &arrival); err != nil {
				log.Error().Err(err).Msg("Dropping malformed stock arrival message")
				return nil
			}
			_, err := fulfillmentService.RegisterStockArrival(ctx, &arrival)
			return err
		})
	})

	// Invoice status sweep, the safety net behind event-driven
	// reconciliation
	g.Go(func() error {
		log.Info().
			Dur("interval", cfg.Worker.ReconcileInterval).
			Msg("Starting invoice status sweep")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.ReconcileInterval),
			gocron.NewTask(func() {
				if err := fulfillmentService.ReconcileInvoiceStatuses(ctx, cfg.Worker.ReconcileBatch); err != nil {
					log.Error().Err(err).Msg("Invoice status sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.RematchInterval),
			gocron.NewTask(func() {
				if err := fulfillmentService.RematchOpenPreorders(ctx); err != nil {
					log.Error().Err(err).Msg("Preorder rematch sweep failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
