package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/fooddelivery/services/orders/internal/api"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/publisher"
	"example.com/fooddelivery/services/orders/internal/relay"
	"example.com/fooddelivery/services/orders/internal/search"
	"example.com/fooddelivery/services/orders/internal/services"
	"example.com/fooddelivery/services/orders/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server for order commands, together with the outbox relay unless relay.enabled is false`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
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

	st, err := openStores(cfg, metricsCollector)
	if err != nil {
		return err
	}
	defer st.close()

	eventBus, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	pub := publisher.New(eventBus, cfg.Bus.Topic, metricsCollector)
	orderService := services.NewOrderService(st.orders, st.outbox, pub, metricsCollector)
	tracking, err := search.NewTrackingIndex(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, tracking reads disabled")
		tracking = search.NoopIndex{}
	}

	server := api.NewServer(cfg.Server, orderService, tracking, eventBus, metricsCollector, tracer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})

	if cfg.Relay.Enabled {
		g.Go(func() error {
			return relay.New(st.outbox, pub, metricsCollector, cfg.Relay).Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("API server error")
		return err
	}

	log.Info().Msg("API server stopped")
	return nil
}
