// Package engine evaluates alert rules against metric snapshots.
//
// Each rule type maps to an Evaluator in a strategy table, so new rule types
// can be registered without touching the dispatch logic. The engine's only
// mutable state is kept per (rule, device): the consecutive-qualifying counter
// and the time of the last evaluation.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alerting/internal/alert"
)

// Result is the outcome of evaluating one rule against one snapshot.
type Result struct {
	// Triggered is true when the rule fires. Before the consecutive counter
	// is applied it means "this evaluation qualifies".
	Triggered bool
	// Skipped is true when the evaluation produced no signal (missing metric,
	// unknown operator). A skipped evaluation never fires.
	Skipped        bool
	Message        string
	Severity       alert.Level
	Confidence     float64
	Metric         string
	TriggeredValue *float64
	ThresholdValue *float64
	Recommendation string
	Evaluated      map[string]float64
	// Consecutive is the counter value after this evaluation.
	Consecutive int
}

// Evaluator decides whether a snapshot qualifies for a rule.
type Evaluator func(rule *alert.Rule, snap *alert.Snapshot) Result

type counterKey struct {
	ruleID   string
	deviceID string
}

// Engine evaluates rules using a rule type → Evaluator table.
type Engine struct {
	mu         sync.Mutex
	evaluators map[alert.RuleType]Evaluator
	counters   map[counterKey]int
	evaluated  map[counterKey]time.Time
}

// New creates an engine with the built-in evaluators registered.
func New() *Engine {
	e := &Engine{
		evaluators: make(map[alert.RuleType]Evaluator),
		counters:   make(map[counterKey]int),
		evaluated:  make(map[counterKey]time.Time),
	}
	for t, fn := range builtinEvaluators() {
		e.evaluators[t] = fn
	}
	return e
}

// Register installs (or replaces) the evaluator for a rule type.
func (e *Engine) Register(ruleType alert.RuleType, fn Evaluator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluators[ruleType] = fn
}

// Evaluate runs the rule against the snapshot and applies the consecutive
// trigger counter for (rule.ID, snap.DeviceID). The rule fires only on the
// evaluation that brings the counter to rule.ConsecutiveTriggerCount; firing
// and any non-qualifying evaluation reset the counter to zero.
func (e *Engine) Evaluate(rule *alert.Rule, snap *alert.Snapshot) Result {
	e.mu.Lock()
	fn, ok := e.evaluators[rule.Type]
	e.mu.Unlock()

	var res Result
	if !ok {
		res = skip("no evaluator registered for rule type %s", rule.Type)
	} else {
		res = fn(rule, snap)
	}
	if res.Severity == "" {
		res.Severity = rule.Level
	}
	res.Confidence = clamp(res.Confidence, 0, 1)

	key := counterKey{ruleID: rule.ID, deviceID: snap.DeviceID}
	required := rule.ConsecutiveTriggerCount
	if required < 1 {
		required = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !res.Triggered {
		delete(e.counters, key)
		res.Consecutive = 0
		if res.Skipped {
			slog.Debug("Rule evaluation skipped",
				"rule_id", rule.ID,
				"device_id", snap.DeviceID,
				"reason", res.Message,
			)
		}
		return res
	}

	count := e.counters[key] + 1
	res.Consecutive = count
	if count < required {
		e.counters[key] = count
		res.Triggered = false
		res.Message = fmt.Sprintf("%s (qualifying evaluation %d of %d)", res.Message, count, required)
		return res
	}

	delete(e.counters, key)
	return res
}

// dueSlack absorbs the jitter between scheduled sweeps, so a rule checked
// every minute is not skipped when a sweep runs a little early.
const dueSlack = 5 * time.Second

// Due reports whether rule may be evaluated for deviceID at now, that is
// whether rule.CheckIntervalMinutes (less dueSlack) have passed since the
// last evaluation it allowed. A true result records now as that evaluation.
func (e *Engine) Due(rule *alert.Rule, deviceID string, now time.Time) bool {
	key := counterKey{ruleID: rule.ID, deviceID: deviceID}
	interval := time.Duration(rule.CheckIntervalMinutes) * time.Minute

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.evaluated[key]; ok && now.Sub(last) < interval-dueSlack {
		return false
	}
	e.evaluated[key] = now
	return true
}

// Counter returns the current consecutive count for (ruleID, deviceID).
func (e *Engine) Counter(ruleID, deviceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[counterKey{ruleID: ruleID, deviceID: deviceID}]
}

// Reset clears the counter and the last evaluation time for (ruleID, deviceID).
func (e *Engine) Reset(ruleID, deviceID string) {
	key := counterKey{ruleID: ruleID, deviceID: deviceID}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, key)
	delete(e.evaluated, key)
}

func skip(format string, args ...any) Result {
	return Result{Skipped: true, Message: fmt.Sprintf(format, args...)}
}
