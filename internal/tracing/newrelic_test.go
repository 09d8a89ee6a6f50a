package tracing

import (
	"context"
	"testing"

	"example.com/fooddelivery/services/orders/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tr, err := NewTracer(config.TracingConfig{AppName: "orders"})
	require.NoError(t, err)
	assert.False(t, tr.Enabled())
	assert.Nil(t, tr.App())

	ctx, txn := tr.StartTransaction(context.Background(), "consume")
	assert.Nil(t, txn)

	seg := StartSegment(ctx, "handler")
	seg.End()
	RecordError(ctx, errors.New("boom"))
	txn.End()
	tr.Close()

	var nilTracer *Tracer
	assert.False(t, nilTracer.Enabled())
	nilTracer.Close()
}
