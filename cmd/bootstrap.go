package cmd

import (
	"context"
	"os"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/bus"
	"example.com/fooddelivery/services/orders/internal/bus/memory"
	"example.com/fooddelivery/services/orders/internal/bus/rabbitmq"
	"example.com/fooddelivery/services/orders/internal/bus/servicebus"
	"example.com/fooddelivery/services/orders/internal/database"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/repositories"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loadConfig reads configuration and applies the logging settings.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if cfg.Environment == "development" || cfg.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = log.With().Str("service", "orders").Logger()

	return cfg, nil
}

type stores struct {
	orders repositories.OrderRepository
	outbox repositories.OutboxRepository
	close  func()
}

// openStores connects the order and outbox repositories for cfg.DB.Driver.
func openStores(cfg config.Config, m *metrics.Metrics) (*stores, error) {
	if cfg.DB.Driver == "memory" {
		log.Warn().Msg("Using in-memory order store, data is lost on exit")
		mem := repositories.NewMemoryStore()
		return &stores{orders: mem, outbox: mem, close: func() {}}, nil
	}

	db, err := database.Connect(cfg.DB, m)
	if err != nil {
		return nil, err
	}
	if cfg.DB.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	return &stores{
		orders: repositories.NewOrderRepository(db),
		outbox: repositories.NewOutboxRepository(db),
		close: func() {
			if err := database.Close(db); err != nil {
				log.Error().Err(err).Msg("Failed to close database")
			}
		},
	}, nil
}

// openBus connects the configured bus and declares the order topic.
func openBus(ctx context.Context, cfg config.Config) (bus.Bus, error) {
	var (
		b   bus.Bus
		err error
	)
	switch cfg.Bus.Driver {
	case "rabbitmq":
		b, err = rabbitmq.Connect(rabbitmq.Config{
			URL:            cfg.Bus.URL,
			Heartbeat:      cfg.Bus.Heartbeat,
			PublishTimeout: cfg.Bus.PublishTimeout,
			InitialBackoff: cfg.Bus.InitialBackoff,
			MaxBackoff:     cfg.Bus.MaxBackoff,
			MaxAttempts:    cfg.Bus.MaxAttempts,
		})
	case "servicebus":
		b, err = servicebus.NewClient(cfg.Azure.ServiceBusConnStr)
	case "memory":
		log.Warn().Msg("Using in-memory bus, events stay in this process")
		b = memory.New()
	default:
		err = errors.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := b.DeclareTopic(ctx, cfg.Bus.Topic); err != nil {
		if !errors.Is(err, bus.ErrNotConnected) {
			_ = b.Close()
			return nil, err
		}
		log.Warn().Str("topic", cfg.Bus.Topic).Msg("Bus not connected yet, topic will be declared on connect")
	}

	log.Info().
		Str("driver", cfg.Bus.Driver).
		Str("topic", cfg.Bus.Topic).
		Str("state", string(b.State())).
		Msg("Event bus initialised")
	return b, nil
}
