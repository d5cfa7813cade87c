package metrics

import "ignitionflow/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricRawTick records raw stream ticks dropped before dispatch.
	DropMetricRawTick DropMetric = "raw_ticks_dropped"
	// DropMetricConsumer records ticks dropped at a consumer queue.
	DropMetricConsumer DropMetric = "consumer_ticks_dropped"
	// DropMetricRecorder records ticks the recorder lost after blocking.
	DropMetricRecorder DropMetric = "recorder_ticks_dropped"
	// DropMetricMalformed records malformed ticks discarded by the monitor.
	DropMetricMalformed DropMetric = "malformed_ticks_dropped"
	// DropMetricFillRecord records provider bars that failed validation.
	DropMetricFillRecord DropMetric = "fill_records_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always incremented by one so callers should invoke this
// helper for each dropped message. Optional metadata (consumer, ticker,
// stage) is added to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, consumer, ticker, stage string) {
	fields := logger.Fields{}
	if consumer != "" {
		fields["consumer"] = consumer
	}
	if ticker != "" {
		fields["ticker"] = ticker
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
