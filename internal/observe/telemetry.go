package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PoolTelemetry adapts [Metrics] to the STT pool's telemetry hooks
// (sttpool.Telemetry).
type PoolTelemetry struct {
	M *Metrics
}

func (t PoolTelemetry) AudioDropped(bytes int) {
	t.M.DroppedAudioBytes.Add(context.Background(), int64(bytes))
}

func (t PoolTelemetry) BufferOverflow(member, droppedBytes int) {
	t.M.BufferOverflows.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("member", member)),
	)
}

func (t PoolTelemetry) Reconnected(member, attempt int) {
	t.M.PoolReconnects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Int("member", member)),
	)
}

// RouterTelemetry adapts [Metrics] to the translation router's telemetry
// hooks (translate.Telemetry).
type RouterTelemetry struct {
	M *Metrics
}

func (t RouterTelemetry) PromptTruncated(block string) {
	t.M.PromptTruncations.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("block", block)),
	)
}
