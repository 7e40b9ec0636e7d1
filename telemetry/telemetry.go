// package telemetry exposes the bus's OpenTelemetry counters. Instruments
// hang off the global meter provider, so applications that configure an otel
// exporter get bus metrics for free and everyone else gets no-ops.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"

	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("telemetry")

	published     syncint64.Counter
	publishErrors syncint64.Counter
	acked         syncint64.Counter
	requeued      syncint64.Counter
)

func init() {
	meter := global.Meter("eventbus")

	var err error
	published, err = meter.SyncInt64().Counter("eventbus.published",
		instrument.WithDescription("events successfully published"))
	if err == nil {
		publishErrors, err = meter.SyncInt64().Counter("eventbus.publish_errors",
			instrument.WithDescription("publishes that exhausted their retry budget"))
	}
	if err == nil {
		acked, err = meter.SyncInt64().Counter("eventbus.acked",
			instrument.WithDescription("deliveries acknowledged after successful handling"))
	}
	if err == nil {
		requeued, err = meter.SyncInt64().Counter("eventbus.requeued",
			instrument.WithDescription("deliveries requeued after handler failure"))
	}
	if err != nil {
		log.Errorf("unable to build counters, metrics will be incomplete: %v", err)
	}
}

func topicAttr(topic string) attribute.KeyValue {
	return attribute.String("topic", topic)
}

// Published records one successful publish to topic.
func Published(ctx context.Context, topic string) {
	if published != nil {
		published.Add(ctx, 1, topicAttr(topic))
	}
}

// PublishError records one publish that failed permanently.
func PublishError(ctx context.Context, topic string) {
	if publishErrors != nil {
		publishErrors.Add(ctx, 1, topicAttr(topic))
	}
}

// Acked records one acknowledged delivery on topic.
func Acked(ctx context.Context, topic string) {
	if acked != nil {
		acked.Add(ctx, 1, topicAttr(topic))
	}
}

// Requeued records one requeued delivery on topic.
func Requeued(ctx context.Context, topic string) {
	if requeued != nil {
		requeued.Add(ctx, 1, topicAttr(topic))
	}
}
