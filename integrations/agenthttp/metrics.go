package agenthttp

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/swarmflow/types"
)

const instrumentationName = "github.com/BaSui01/swarmflow/integrations/agenthttp"

// instruments are the OpenTelemetry instruments recorded for every call.
// They report through the global MeterProvider, which is a no-op until
// telemetry is enabled.
type instruments struct {
	requests metric.Int64Counter
	tokens   metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	cost     metric.Float64Histogram
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	in := &instruments{}
	var err error

	if in.requests, err = meter.Int64Counter("agent.request.total",
		metric.WithDescription("Agent calls by agent and outcome"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if in.tokens, err = meter.Int64Counter("agent.token.total",
		metric.WithDescription("Tokens consumed by agent calls"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if in.errors, err = meter.Int64Counter("agent.error.total",
		metric.WithDescription("Failed agent calls by error code"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.duration, err = meter.Float64Histogram("agent.request.duration",
		metric.WithDescription("Agent call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120)); err != nil {
		return nil, err
	}
	if in.cost, err = meter.Float64Histogram("agent.cost.per_request",
		metric.WithDescription("Estimated cost per agent call"),
		metric.WithUnit("USD"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1)); err != nil {
		return nil, err
	}
	return in, nil
}

func (in *instruments) record(ctx context.Context, agentID, model string, tokens int, cost float64, elapsed time.Duration, err error) {
	if in == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	base := metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("agent.model", model),
	)
	in.requests.Add(ctx, 1, base, metric.WithAttributes(attribute.String("status", status)))
	in.duration.Record(ctx, elapsed.Seconds(), base)
	if err != nil {
		in.errors.Add(ctx, 1, base, metric.WithAttributes(attribute.String("error.code", string(types.GetErrorCode(err)))))
		return
	}
	in.tokens.Add(ctx, int64(tokens), base)
	in.cost.Record(ctx, cost, base)
}
