package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/cache"
	"example.com/fooddelivery/services/orders/internal/consumer"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/reactors"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the event reactors",
	Long:  `Start the notification, driver dispatch and tracking reactors that consume order events`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// reactor is implemented by every package reactors participant.
type reactor interface {
	Subscription(topic string) bus.Subscription
	Register(c *consumer.Consumer)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsCollector := metrics.NewMetrics()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}
	defer tracer.Close()

	dedup, err := cache.NewDeduper(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis, falling back to in-process dedup")
		dedup = cache.NewMemoryDeduper(cfg.Redis.DedupTTL)
	}
	defer dedup.Close()

	index, err := search.NewTrackingIndex(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, tracking projection disabled")
		index = search.NoopIndex{}
	}

	eventBus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	participants := []reactor{
		reactors.NewNotifier(nil),
		reactors.NewDriverDispatch(nil),
		reactors.NewProjector(index),
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range participants {
		c := consumer.New(r.Subscription(cfg.Bus.Topic),
			consumer.WithDeduper(dedup),
			consumer.WithMetrics(metricsCollector),
			consumer.WithTracer(tracer),
		)
		r.Register(c)
		g.Go(func() error {
			return c.Run(ctx, eventBus)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
