// Package relay publishes outbox rows that were committed but never made it
// onto the bus.
package relay

import (
	"context"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/metrics"
	"example.com/fooddelivery/services/orders/internal/models"
	"example.com/fooddelivery/services/orders/internal/repositories"
	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// maxBatchesPerRun bounds one drain so a large backlog cannot starve shutdown.
const maxBatchesPerRun = 20

// EncodedPublisher is satisfied by *publisher.Publisher.
type EncodedPublisher interface {
	PublishEncoded(ctx context.Context, routingKey, eventID string, body []byte) bool
}

type Relay struct {
	outbox    repositories.OutboxRepository
	publisher EncodedPublisher
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func New(outbox repositories.OutboxRepository, pub EncodedPublisher, m *metrics.Metrics, cfg config.RelayConfig) *Relay {
	r := &Relay{
		outbox:    outbox,
		publisher: pub,
		metrics:   m,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	return r
}

// Drain publishes pending rows oldest first. It stops at the first failure,
// leaving the rest for the next run.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	relayed := 0
	defer r.reportPending(ctx)

	for batch := 0; batch < maxBatchesPerRun; batch++ {
		rows, err := r.outbox.Pending(ctx, r.batchSize)
		if err != nil {
			return relayed, errors.Wrap(err, "failed to load pending outbox events")
		}
		stuck := false
		for _, row := range rows {
			if ctx.Err() != nil {
				return relayed, ctx.Err()
			}
			published, markErr := r.send(ctx, row)
			if !published {
				return relayed, nil
			}
			relayed++
			if markErr != nil {
				stuck = true
			}
		}
		// Rows that could not be marked come back from Pending, so fetching
		// again would only resend them.
		if stuck {
			log.Warn().Int("relayed", relayed).Msg("Outbox rows could not be marked published, stopping this run")
			break
		}
		if len(rows) < r.batchSize {
			break
		}
	}
	return relayed, nil
}

// send publishes row. A nil error with true means the row is also marked
// published.
func (r *Relay) send(ctx context.Context, row models.OutboxEvent) (bool, error) {
	if !r.publisher.PublishEncoded(ctx, row.RoutingKey, row.EventID, row.Payload) {
		if err := r.outbox.MarkFailed(ctx, row.EventID, "publish failed"); err != nil {
			log.Error().Err(err).Str("event_id", row.EventID).Msg("Failed to record outbox attempt")
		}
		log.Warn().
			Str("event_id", row.EventID).
			Str("routing_key", row.RoutingKey).
			Int("attempts", row.Attempts+1).
			Msg("Outbox relay publish failed")
		return false, nil
	}

	markErr := r.outbox.MarkPublished(ctx, row.EventID, r.now())
	if markErr != nil {
		// The event is on the bus; at worst it is sent again next run.
		log.Error().Err(markErr).Str("event_id", row.EventID).Msg("Failed to mark outbox event as published")
	}
	r.metrics.IncrementCounter(metrics.OutboxRelayed)
	log.Info().
		Str("event_id", row.EventID).
		Str("routing_key", row.RoutingKey).
		Str("order_id", row.AggregateID).
		Msg("Outbox event relayed")
	return true, markErr
}

func (r *Relay) reportPending(ctx context.Context) {
	n, err := r.outbox.CountPending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count pending outbox events")
		return
	}
	r.metrics.SetGauge(metrics.OutboxPending, n)
}

// Republish sends every outbox event created in [start, end] again, whether or
// not it was published before. Consumers dedupe by event ID.
func (r *Relay) Republish(ctx context.Context, start, end time.Time) (int, error) {
	if end.Before(start) {
		return 0, errors.Errorf("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	rows, err := r.outbox.Between(ctx, start, end)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load outbox events")
	}

	sent := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if published, _ := r.send(ctx, row); !published {
			return sent, errors.Errorf("republish stopped at event %s after %d of %d", row.EventID, sent, len(rows))
		}
		sent++
	}
	log.Info().Int("count", sent).Time("start", start).Time("end", end).Msg("Republish complete")
	return sent, nil
}

// Run drains the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create relay scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Outbox relay run failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule outbox relay")
	}

	log.Info().Dur("interval", r.interval).Int("batch_size", r.batchSize).Msg("Starting outbox relay")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
