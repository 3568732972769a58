// Package metrics records pipeline counters: device evaluations, alert
// creation, suppression and channel deliveries.
package metrics

import (
	"time"

	"alerting/internal/alert"
)

// Recorder defines the interface for recording pipeline metrics.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// RecordEvaluation records the duration of one device evaluation.
	RecordEvaluation(duration time.Duration)
	// RecordAlert counts a persisted alert record by its initial status.
	RecordAlert(status alert.Status)
	// RecordDelivery counts one channel delivery attempt.
	RecordDelivery(method alert.Method, success bool)
	// RecordError increments the count of unit-of-work failures.
	RecordError()
	// IncrementCustom increments a custom counter by name.
	IncrementCustom(name string)
}

// NoOp is a no-op implementation of Recorder.
// Use this when metrics collection is disabled.
type NoOp struct{}

func (NoOp) RecordEvaluation(time.Duration)    {}
func (NoOp) RecordAlert(alert.Status)          {}
func (NoOp) RecordDelivery(alert.Method, bool) {}
func (NoOp) RecordError()                      {}
func (NoOp) IncrementCustom(string)            {}

// Multi fans every call out to each recorder.
type Multi []Recorder

func (m Multi) RecordEvaluation(d time.Duration) {
	for _, r := range m {
		r.RecordEvaluation(d)
	}
}

func (m Multi) RecordAlert(status alert.Status) {
	for _, r := range m {
		r.RecordAlert(status)
	}
}

func (m Multi) RecordDelivery(method alert.Method, success bool) {
	for _, r := range m {
		r.RecordDelivery(method, success)
	}
}

func (m Multi) RecordError() {
	for _, r := range m {
		r.RecordError()
	}
}

func (m Multi) IncrementCustom(name string) {
	for _, r := range m {
		r.IncrementCustom(name)
	}
}

// OrNoOp returns r, or NoOp when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NoOp{}
	}
	return r
}
