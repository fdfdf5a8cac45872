package syncengine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	messagesAdmitted metric.Int64Counter
	missingParent    metric.Int64Counter
	framesSent       metric.Int64Counter
	framesDropped    metric.Int64Counter
	channelMerges    metric.Int64Counter
	inventoryRoundMs metric.Float64Histogram
	dagHeads         metric.Int64ObservableGauge
}

func newEngineMetrics() engineMetrics {
	meter := otel.Meter("burrow-go")
	admitted, _ := meter.Int64Counter("replica_messages_admitted_total")
	missing, _ := meter.Int64Counter("replica_messages_missing_parent_total")
	sent, _ := meter.Int64Counter("replica_sync_frames_sent_total")
	dropped, _ := meter.Int64Counter("replica_sync_frames_dropped_total")
	merges, _ := meter.Int64Counter("replica_channel_merges_total")
	roundMs, _ := meter.Float64Histogram("replica_inventory_round_duration_ms")
	dagHeads, _ := meter.Int64ObservableGauge("replica_dag_heads")
	return engineMetrics{
		messagesAdmitted: admitted,
		missingParent:    missing,
		framesSent:       sent,
		framesDropped:    dropped,
		channelMerges:    merges,
		inventoryRoundMs: roundMs,
		dagHeads:         dagHeads,
	}
}

func frameTypeAttr(t FrameType) attribute.KeyValue {
	return attribute.String("frame_type", t.String())
}
