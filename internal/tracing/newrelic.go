package tracing

import (
	"context"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Tracer wraps the New Relic application. The zero value and a nil *Tracer
// are disabled; every method is then a no-op.
type Tracer struct {
	app *newrelic.Application
}

// NewTracer creates a tracer. Without a license key tracing is disabled.
func NewTracer(cfg config.TracingConfig) (*Tracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &Tracer{}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}
	return &Tracer{app: app}, nil
}

func (t *Tracer) Enabled() bool {
	return t != nil && t.app != nil
}

// App is nil when tracing is disabled.
func (t *Tracer) App() *newrelic.Application {
	if !t.Enabled() {
		return nil
	}
	return t.app
}

// StartTransaction returns ctx carrying a new transaction. The returned
// transaction may be nil; its methods accept a nil receiver.
func (t *Tracer) StartTransaction(ctx context.Context, name string) (context.Context, *newrelic.Transaction) {
	if !t.Enabled() {
		return ctx, nil
	}
	txn := t.app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn
}

// StartSegment starts a segment on the transaction carried by ctx.
func StartSegment(ctx context.Context, name string) *newrelic.Segment {
	return newrelic.FromContext(ctx).StartSegment(name)
}

// RecordError notices err on the transaction carried by ctx.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	newrelic.FromContext(ctx).NoticeError(err)
}

// Close flushes pending data.
func (t *Tracer) Close() {
	if !t.Enabled() {
		return
	}
	t.app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}
