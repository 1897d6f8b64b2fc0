package metrics

import "tickflow/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricTickBatch records decoded tick batches that did not fit the
	// tick channel.
	DropMetricTickBatch DropMetric = "tick_batches_dropped"
	// DropMetricControlCommand records subscription commands discarded
	// because the command queue was full.
	DropMetricControlCommand DropMetric = "control_commands_dropped"
	// DropMetricHubClient records frames skipped for a slow websocket client.
	DropMetricHubClient DropMetric = "hub_client_messages_dropped"
)

// EmitDropMetric logs and emits one dropped message. Feed, topic and stage are
// attached as fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, feed, topic, stage string) {
	fields := logger.Fields{}
	if feed != "" {
		fields["feed"] = feed
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if stage != "" {
		fields["stage"] = stage
	}

	observeDrop(string(metric))
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
