package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type instrumented struct {
	next             Provider
	tracer           trace.Tracer
	duration         metric.Float64Histogram
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
}

// Instrument wraps p with a span and request-duration and token-usage metrics per call.
func Instrument(p Provider, tracer trace.Tracer, meter metric.Meter) Provider {
	in := &instrumented{next: p, tracer: tracer}
	in.duration, _ = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	in.promptTokens, _ = meter.Int64Counter(
		"llm.usage.prompt_tokens",
		metric.WithDescription("LLM usage metric: prompt_tokens"),
	)
	in.completionTokens, _ = meter.Int64Counter(
		"llm.usage.completion_tokens",
		metric.WithDescription("LLM usage metric: completion_tokens"),
	)
	return in
}

func (in *instrumented) Name() string {
	return in.next.Name()
}

func (in *instrumented) Complete(ctx context.Context, req Request) (Completion, error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.provider", in.next.Name()),
		attribute.String("llm.model", req.Model),
	}
	ctx, span := in.tracer.Start(ctx, "llm.complete", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	c, err := in.next.Complete(ctx, req)
	if in.duration != nil {
		in.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Completion{}, err
	}

	if in.promptTokens != nil {
		in.promptTokens.Add(ctx, int64(c.Usage.PromptTokens), metric.WithAttributes(attrs...))
	}
	if in.completionTokens != nil {
		in.completionTokens.Add(ctx, int64(c.Usage.CompletionTokens), metric.WithAttributes(attrs...))
	}
	span.SetAttributes(attribute.Int("llm.usage.total_tokens", c.Usage.TotalTokens))
	return c, nil
}
