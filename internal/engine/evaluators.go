package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"alerting/internal/alert"
)

// Snapshot metric names produced by the analysis collaborator.
const (
	MetricHealthScore        = "health_score"
	MetricPerformanceScore   = "performance_score"
	MetricFailureProbability = "failure_probability"
	MetricAnomalyRate        = "anomaly_rate"
	MetricConfidenceScore    = "confidence_score"
)

// Default thresholds used when a rule's threshold config omits them.
const (
	DefaultHealthScoreThreshold        = 60.0
	DefaultDegradationThreshold        = 20.0
	DefaultFailureProbabilityThreshold = 0.7
	DefaultAnomalyRateThreshold        = 20.0
	DefaultMinConfidence               = 0.5

	criticalHealthScore        = 30.0
	warningHealthScore         = 50.0
	criticalFailureProbability = 0.9
)

var errTrendMissing = errors.New("trend metric missing")

func builtinEvaluators() map[alert.RuleType]Evaluator {
	return map[alert.RuleType]Evaluator{
		alert.RuleTypeThreshold:              evaluateConditions,
		alert.RuleTypeCustom:                 evaluateConditions,
		alert.RuleTypeHealthScore:            evaluateHealthScore,
		alert.RuleTypePerformanceDegradation: evaluatePerformanceDegradation,
		alert.RuleTypeFaultPrediction:        evaluateFaultPrediction,
		alert.RuleTypeAnomalyDetection:       evaluateAnomaly,
	}
}

// evaluateConditions requires every condition to hold. Conditions are visited
// in metric-name order so the outcome is deterministic.
func evaluateConditions(rule *alert.Rule, snap *alert.Snapshot) Result {
	if len(rule.Conditions) == 0 {
		return skip("rule %s has no conditions", rule.ID)
	}

	names := make([]string, 0, len(rule.Conditions))
	for name := range rule.Conditions {
		names = append(names, name)
	}
	sort.Strings(names)

	res := Result{Evaluated: make(map[string]float64, len(names)), Confidence: 1}
	parts := make([]string, 0, len(names))
	for i, name := range names {
		cond := rule.Conditions[name]
		value, ok := snap.Metric(name)
		if !ok {
			return skip("metric %s not present in snapshot", name)
		}
		operand, ok := operandFor(rule, cond)
		if !ok {
			return skip("no operand configured for metric %s", name)
		}
		matched, err := Compare(value, cond.Operator, operand)
		if err != nil {
			return skip("condition on %s: %v", name, err)
		}
		res.Evaluated[name] = value
		if !matched {
			return Result{Evaluated: res.Evaluated, Message: fmt.Sprintf("%s %.2f does not satisfy %s %.2f", name, value, symbol(cond.Operator), operand)}
		}
		if i == 0 {
			res.Metric = name
			res.TriggeredValue = alert.Float(value)
			res.ThresholdValue = alert.Float(operand)
		}
		res.Confidence = minFloat(res.Confidence, Confidence(value, operand))
		parts = append(parts, fmt.Sprintf("%s %.2f %s %.2f", name, value, symbol(cond.Operator), operand))
	}

	if res.Metric != "" {
		if err := checkTrend(rule, snap, res.Metric); err != nil {
			return trendResult(res, err)
		}
	}

	res.Triggered = true
	res.Message = strings.Join(parts, ", ")
	res.Recommendation = "Inspect the device for the out-of-range readings listed above."
	return res
}

func evaluateHealthScore(rule *alert.Rule, snap *alert.Snapshot) Result {
	score, ok := snap.Metric(MetricHealthScore)
	if !ok {
		return skip("metric %s not present in snapshot", MetricHealthScore)
	}
	threshold := rule.Threshold(DefaultHealthScoreThreshold, "healthScoreThreshold", "value")
	res := Result{
		Metric:         MetricHealthScore,
		TriggeredValue: alert.Float(score),
		ThresholdValue: alert.Float(threshold),
		Evaluated:      map[string]float64{MetricHealthScore: score},
	}
	if score >= threshold {
		res.Message = fmt.Sprintf("health score %.1f is at or above threshold %.1f", score, threshold)
		return res
	}
	if err := checkTrend(rule, snap, MetricHealthScore); err != nil {
		return trendResult(res, err)
	}

	res.Triggered = true
	res.Severity = healthSeverity(score)
	res.Confidence = Confidence(score, threshold)
	res.Message = fmt.Sprintf("health score %.1f below threshold %.1f", score, threshold)
	res.Recommendation = "Schedule a full inspection; review efficiency, reliability and maintenance scores for the root cause."
	return res
}

func healthSeverity(score float64) alert.Level {
	switch {
	case score < criticalHealthScore:
		return alert.LevelCritical
	case score < warningHealthScore:
		return alert.LevelWarning
	default:
		return alert.LevelInfo
	}
}

func evaluatePerformanceDegradation(rule *alert.Rule, snap *alert.Snapshot) Result {
	metric := primaryMetric(rule, MetricPerformanceScore)
	score, ok := snap.Metric(metric)
	if !ok {
		return skip("metric %s not present in snapshot", metric)
	}
	degradation := rule.Threshold(DefaultDegradationThreshold, "degradationThreshold", "value")
	floor := 100 - degradation
	res := Result{
		Metric:         metric,
		TriggeredValue: alert.Float(score),
		ThresholdValue: alert.Float(floor),
		Evaluated:      map[string]float64{metric: score},
	}
	if score >= floor {
		res.Message = fmt.Sprintf("%s %.1f within %.0f%% of nominal", metric, score, degradation)
		return res
	}
	if err := checkTrend(rule, snap, metric); err != nil {
		return trendResult(res, err)
	}

	res.Triggered = true
	res.Confidence = Confidence(score, floor)
	res.Message = fmt.Sprintf("%s degraded to %.1f (floor %.1f)", metric, score, floor)
	res.Recommendation = "Check impeller wear, inlet blockage and motor load; compare against the last maintenance baseline."
	return res
}

func evaluateFaultPrediction(rule *alert.Rule, snap *alert.Snapshot) Result {
	metric := primaryMetric(rule, MetricFailureProbability)
	probability, ok := snap.Metric(metric)
	if !ok {
		return skip("metric %s not present in snapshot", metric)
	}
	threshold := rule.Threshold(DefaultFailureProbabilityThreshold, "failureProbabilityThreshold", "value")
	res := Result{
		Metric:         metric,
		TriggeredValue: alert.Float(probability),
		ThresholdValue: alert.Float(threshold),
		Evaluated:      map[string]float64{metric: probability},
	}
	if probability < threshold {
		res.Message = fmt.Sprintf("failure probability %.2f below threshold %.2f", probability, threshold)
		return res
	}
	if err := checkTrend(rule, snap, metric); err != nil {
		return trendResult(res, err)
	}

	res.Triggered = true
	if probability >= criticalFailureProbability {
		res.Severity = alert.LevelCritical
	}
	res.Confidence = Confidence(probability, threshold)
	res.Message = fmt.Sprintf("failure probability %.2f reached threshold %.2f", probability, threshold)
	if rul, ok := snap.Metric("remaining_useful_life"); ok {
		res.Evaluated["remaining_useful_life"] = rul
		res.Message += fmt.Sprintf(", remaining useful life %.0f h", rul)
	}
	res.Recommendation = "Plan preventive maintenance before the predicted failure window."
	return res
}

// evaluateAnomaly fires when the anomaly rate exceeds its threshold or the
// upstream model confidence drops below the minimum.
func evaluateAnomaly(rule *alert.Rule, snap *alert.Snapshot) Result {
	rate, hasRate := snap.Metric(MetricAnomalyRate)
	conf, hasConf := snap.Metric(MetricConfidenceScore)
	if !hasRate && !hasConf {
		return skip("metrics %s and %s not present in snapshot", MetricAnomalyRate, MetricConfidenceScore)
	}

	rateThreshold := rule.Threshold(DefaultAnomalyRateThreshold, "anomalyRateThreshold", "value")
	minConfidence := rule.Threshold(DefaultMinConfidence, "minConfidence")
	res := Result{Evaluated: make(map[string]float64, 2)}
	if hasRate {
		res.Evaluated[MetricAnomalyRate] = rate
	}
	if hasConf {
		res.Evaluated[MetricConfidenceScore] = conf
	}

	switch {
	case hasRate && rate > rateThreshold:
		res.Metric = MetricAnomalyRate
		res.TriggeredValue = alert.Float(rate)
		res.ThresholdValue = alert.Float(rateThreshold)
		res.Confidence = Confidence(rate, rateThreshold)
		res.Message = fmt.Sprintf("anomaly rate %.1f%% exceeds threshold %.1f%%", rate, rateThreshold)
	case hasConf && conf < minConfidence:
		res.Metric = MetricConfidenceScore
		res.TriggeredValue = alert.Float(conf)
		res.ThresholdValue = alert.Float(minConfidence)
		res.Confidence = Confidence(conf, minConfidence)
		res.Message = fmt.Sprintf("analysis confidence %.2f below minimum %.2f", conf, minConfidence)
	default:
		res.Message = "no anomaly indicators above threshold"
		return res
	}

	if err := checkTrend(rule, snap, res.Metric); err != nil {
		return trendResult(res, err)
	}
	res.Triggered = true
	res.Recommendation = "Review the anomaly findings and verify sensor calibration."
	return res
}

// primaryMetric returns the single condition's metric name when the rule
// names one, otherwise def.
func primaryMetric(rule *alert.Rule, def string) string {
	if len(rule.Conditions) == 1 {
		for name := range rule.Conditions {
			return name
		}
	}
	return def
}

func operandFor(rule *alert.Rule, cond alert.Condition) (float64, bool) {
	if cond.Value != nil {
		return *cond.Value, true
	}
	v, ok := rule.ThresholdConfig["value"]
	return v, ok
}

// checkTrend verifies the rule's trend requirement using the <metric>_trend slope.
func checkTrend(rule *alert.Rule, snap *alert.Snapshot, metric string) error {
	if rule.Trend == alert.TrendNone {
		return nil
	}
	slope, ok := snap.Metric(alert.TrendMetric(metric))
	if !ok {
		return errTrendMissing
	}
	switch rule.Trend {
	case alert.TrendRising:
		if slope <= 0 {
			return fmt.Errorf("%s is not rising (slope %.3f)", metric, slope)
		}
	case alert.TrendFalling:
		if slope >= 0 {
			return fmt.Errorf("%s is not falling (slope %.3f)", metric, slope)
		}
	}
	return nil
}

func trendResult(res Result, err error) Result {
	if errors.Is(err, errTrendMissing) {
		return skip("metric %s not present in snapshot", alert.TrendMetric(res.Metric))
	}
	return Result{Evaluated: res.Evaluated, Metric: res.Metric, Message: err.Error()}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
