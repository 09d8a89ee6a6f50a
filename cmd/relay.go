package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/publisher"
	"example.com/fooddelivery/services/orders/internal/relay"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay on its own",
	Long:  `Publish order events that were committed to the outbox but not yet delivered to the bus`,
	RunE:  runRelay,
}

var (
	republishStart string
	republishEnd   string
)

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Publish outbox events from a time window again",
	Long:  `Publish every outbox event created between --start and --end (RFC3339) again, whether or not it was already delivered`,
	RunE:  runRepublish,
}

func init() {
	republishCmd.Flags().StringVar(&republishStart, "start", "", "window start (RFC3339)")
	republishCmd.Flags().StringVar(&republishEnd, "end", "", "window end (RFC3339), defaults to now")
	_ = republishCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(republishCmd)
}

func newRelay(ctx context.Context) (*relay.Relay, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	metricsCollector := metrics.NewMetrics()
	st, err := openStores(cfg, metricsCollector)
	if err != nil {
		return nil, nil, err
	}

	eventBus, err := openBus(ctx, cfg)
	if err != nil {
		st.close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = eventBus.Close()
		st.close()
	}
	pub := publisher.New(eventBus, cfg.Bus.Topic, metricsCollector)
	return relay.New(st.outbox, pub, metricsCollector, cfg.Relay), cleanup, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, cleanup, err := newRelay(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := r.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Outbox relay error")
		return err
	}
	log.Info().Msg("Outbox relay stopped")
	return nil
}

func runRepublish(cmd *cobra.Command, args []string) error {
	start, err := time.Parse(time.RFC3339, republishStart)
	if err != nil {
		return errors.Wrap(err, "invalid --start")
	}
	end := time.Now()
	if republishEnd != "" {
		if end, err = time.Parse(time.RFC3339, republishEnd); err != nil {
			return errors.Wrap(err, "invalid --end")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, cleanup, err := newRelay(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := r.Republish(ctx, start, end)
	if err != nil {
		return err
	}
	log.Info().Int("count", n).Msg("Outbox events republished")
	return nil
}
