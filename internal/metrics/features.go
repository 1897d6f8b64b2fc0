package metrics

import (
	"strings"
	"sync/atomic"

	"tickflow/config"
)

// Feature is an optional family of metrics that can be switched off.
type Feature int

const (
	FeatureChannelSize Feature = iota
	FeaturePrometheus
)

var (
	channelSizeEnabled atomic.Bool
	prometheusEnabled  atomic.Bool
)

func init() {
	channelSizeEnabled.Store(true)
	prometheusEnabled.Store(true)
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
	prometheusEnabled.Store(cfg.Prometheus)
}

func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	case FeaturePrometheus:
		return prometheusEnabled.Load()
	default:
		return false
	}
}

// featureForMetric maps metric names onto the feature that gates them.
func featureForMetric(name string) (Feature, bool) {
	if strings.HasSuffix(name, "_buffer_length") {
		return FeatureChannelSize, true
	}
	return 0, false
}
