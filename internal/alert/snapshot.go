package alert

import "time"

// Snapshot is a timestamped bundle of named numeric metrics for one device.
// It is treated as immutable once captured.
type Snapshot struct {
	DeviceID  string
	Timestamp time.Time
	Metrics   map[string]float64
	// Extended carries non-numeric context recorded on fired alerts for audit.
	Extended map[string]any
}

// Metric returns the named metric and whether it is present.
func (s *Snapshot) Metric(name string) (float64, bool) {
	if s == nil || s.Metrics == nil {
		return 0, false
	}
	v, ok := s.Metrics[name]
	return v, ok
}

// TrendMetric returns the name of the slope metric for a metric.
func TrendMetric(metric string) string {
	return metric + "_trend"
}
