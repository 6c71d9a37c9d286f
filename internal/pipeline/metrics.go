package pipeline

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-stt/pipeline"

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	audio    metric.Float64Histogram
	inflight atomic.Int64
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter(instrumentationName)
	inst := &instruments{}

	var err error
	inst.requests, err = meter.Int64Counter("stt.requests",
		metric.WithDescription("Transcription requests by outcome"))
	if err != nil {
		return nil, err
	}
	inst.duration, err = meter.Float64Histogram("stt.request.duration",
		metric.WithDescription("Wall time spent per transcription request"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inst.audio, err = meter.Float64Histogram("stt.audio.duration",
		metric.WithDescription("Length of transcribed audio"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("stt.requests.inflight",
		metric.WithDescription("Requests holding a transcription slot"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, inst.inflight.Load())
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *instruments) record(ctx context.Context, res Result, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("format_class", string(res.Class)),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, res.Elapsed.Seconds(), attrs)
	if err == nil {
		m.audio.Record(ctx, res.AudioDuration.Seconds())
	}
}
