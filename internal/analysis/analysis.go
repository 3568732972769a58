// Package analysis adapts the external equipment-analysis collaborator.
// An Outcome is the analysis result for one device; Snapshot flattens it into
// the metric names the rule engine understands.
package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"alerting/internal/alert"
)

// ErrNotAvailable is returned when no analysis result can be obtained for a device.
var ErrNotAvailable = errors.New("analysis not available")

// Provider fetches the latest analysis outcome for a device.
type Provider interface {
	FetchLatest(ctx context.Context, deviceID string) (*Outcome, error)
}

// DeviceSource lists the devices the rule sweep should visit.
type DeviceSource interface {
	Devices(ctx context.Context) ([]string, error)
}

// Anomaly is a single finding reported by the analysis.
type Anomaly struct {
	Type        string  `json:"type"`
	Severity    float64 `json:"severity"`
	Description string  `json:"description,omitempty"`
}

// Outcome is a pump analysis result. Pointer fields are optional; absent
// fields produce no metric, so rules that depend on them are skipped.
type Outcome struct {
	DeviceID   string    `json:"device_id"`
	AnalyzedAt time.Time `json:"analyzed_at"`

	HealthScore      *float64 `json:"health_score,omitempty"`
	EfficiencyScore  *float64 `json:"efficiency_score,omitempty"`
	ReliabilityScore *float64 `json:"reliability_score,omitempty"`
	MaintenanceScore *float64 `json:"maintenance_score,omitempty"`
	PerformanceScore *float64 `json:"performance_score,omitempty"`

	AveragePower     *float64 `json:"average_power,omitempty"`
	AverageVibration *float64 `json:"average_vibration,omitempty"`
	MaxVibration     *float64 `json:"max_vibration,omitempty"`

	FailureProbability  *float64 `json:"failure_probability,omitempty"`
	RemainingUsefulLife *float64 `json:"remaining_useful_life,omitempty"`
	RiskLevel           string   `json:"risk_level,omitempty"`
	ConfidenceScore     *float64 `json:"confidence_score,omitempty"`
	AnomalyRate         *float64 `json:"anomaly_rate,omitempty"`

	Anomalies []Anomaly `json:"anomalies,omitempty"`

	// Trends holds upstream slopes keyed by metric name.
	Trends map[string]float64 `json:"trends,omitempty"`

	ModelVersion     string `json:"model_version,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms,omitempty"`
	ResultsCount     int    `json:"analysis_results_count,omitempty"`
}

var riskLevels = map[string]float64{
	"CRITICAL": 4,
	"HIGH":     3,
	"MEDIUM":   2,
	"LOW":      1,
}

// Snapshot maps the outcome into a metric snapshot for deviceID.
// A zero AnalyzedAt is replaced by now.
func (o *Outcome) Snapshot(deviceID string, now time.Time) *alert.Snapshot {
	snap := &alert.Snapshot{
		DeviceID:  deviceID,
		Timestamp: o.AnalyzedAt,
		Metrics:   make(map[string]float64),
		Extended:  make(map[string]any),
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = now
	}

	put := func(name string, v *float64) {
		if v != nil {
			snap.Metrics[name] = *v
		}
	}
	put("health_score", o.HealthScore)
	put("efficiency_score", o.EfficiencyScore)
	put("reliability_score", o.ReliabilityScore)
	put("maintenance_score", o.MaintenanceScore)
	put("performance_score", o.PerformanceScore)
	put("average_power", o.AveragePower)
	put("average_vibration", o.AverageVibration)
	put("max_vibration", o.MaxVibration)
	put("failure_probability", o.FailureProbability)
	put("remaining_useful_life", o.RemainingUsefulLife)
	put("confidence_score", o.ConfidenceScore)
	put("anomaly_rate", o.AnomalyRate)

	if risk, ok := riskLevels[strings.ToUpper(o.RiskLevel)]; ok {
		snap.Metrics["risk_level"] = risk
	}

	if len(o.Anomalies) > 0 {
		snap.Metrics["anomaly_count"] = float64(len(o.Anomalies))
		maxSeverity := o.Anomalies[0].Severity
		for _, a := range o.Anomalies[1:] {
			if a.Severity > maxSeverity {
				maxSeverity = a.Severity
			}
		}
		snap.Metrics["anomaly_severity"] = maxSeverity
	}

	for metric, slope := range o.Trends {
		snap.Metrics[alert.TrendMetric(metric)] = slope
	}

	if o.RiskLevel != "" {
		snap.Extended["risk_level"] = o.RiskLevel
	}
	if o.ModelVersion != "" {
		snap.Extended["model_version"] = o.ModelVersion
	}
	if o.ProcessingTimeMs > 0 {
		snap.Extended["processing_time_ms"] = o.ProcessingTimeMs
	}
	if o.ResultsCount > 0 {
		snap.Extended["analysis_results_count"] = o.ResultsCount
	}
	return snap
}

// StaticDevices is a fixed device list.
type StaticDevices []string

// Devices returns the list.
func (s StaticDevices) Devices(ctx context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}
