// Package alert defines the alert pipeline domain model: rules, alert records,
// delivery outcomes, metric snapshots and the alert lifecycle state machine.
package alert

import (
	"fmt"
	"strings"
)

// RuleType selects the evaluation strategy used for a rule.
type RuleType string

const (
	RuleTypeThreshold              RuleType = "THRESHOLD"
	RuleTypeAnomalyDetection       RuleType = "ANOMALY_DETECTION"
	RuleTypePerformanceDegradation RuleType = "PERFORMANCE_DEGRADATION"
	RuleTypeFaultPrediction        RuleType = "FAULT_PREDICTION"
	RuleTypeHealthScore            RuleType = "HEALTH_SCORE"
	RuleTypeCustom                 RuleType = "CUSTOM"
)

// IsValid reports whether t is a known rule type.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleTypeThreshold, RuleTypeAnomalyDetection, RuleTypePerformanceDegradation,
		RuleTypeFaultPrediction, RuleTypeHealthScore, RuleTypeCustom:
		return true
	}
	return false
}

// Level is the alert level of a rule or record.
type Level string

const (
	LevelCritical Level = "CRITICAL"
	LevelWarning  Level = "WARNING"
	LevelInfo     Level = "INFO"
)

// Severity returns the numeric severity used for ordering (CRITICAL=3, WARNING=2, INFO=1).
// Unknown levels return 0.
func (l Level) Severity() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelWarning:
		return 2
	case LevelInfo:
		return 1
	}
	return 0
}

// IsValid reports whether l is a known level.
func (l Level) IsValid() bool {
	return l.Severity() > 0
}

// ParseLevel parses a level name case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", fmt.Errorf("unknown alert level: %q", s)
	}
	return l, nil
}

// Method is a notification delivery method.
type Method string

const (
	MethodEmail     Method = "EMAIL"
	MethodSMS       Method = "SMS"
	MethodWebSocket Method = "WEBSOCKET"
	MethodAll       Method = "ALL"
)

// AllMethods lists the concrete methods ALL expands to, in dispatch order.
var AllMethods = []Method{MethodEmail, MethodSMS, MethodWebSocket}

// IsValid reports whether m is a known method (including ALL).
func (m Method) IsValid() bool {
	switch m {
	case MethodEmail, MethodSMS, MethodWebSocket, MethodAll:
		return true
	}
	return false
}

// ExpandMethods expands ALL into the concrete methods and removes duplicates.
// The result is ordered as in AllMethods.
func ExpandMethods(methods []Method) []Method {
	want := make(map[Method]bool, len(AllMethods))
	for _, m := range methods {
		if m == MethodAll {
			for _, concrete := range AllMethods {
				want[concrete] = true
			}
			continue
		}
		want[m] = true
	}

	result := make([]Method, 0, len(want))
	for _, m := range AllMethods {
		if want[m] {
			result = append(result, m)
		}
	}
	return result
}

// Status is the lifecycle state of an alert record.
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusAcknowledged  Status = "ACKNOWLEDGED"
	StatusResolved      Status = "RESOLVED"
	StatusSuppressed    Status = "SUPPRESSED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// OpenStatuses are the statuses that make up the active-alert view.
var OpenStatuses = []Status{StatusActive, StatusAcknowledged}

// IsOpen reports whether the alert still represents an ongoing condition.
func (s Status) IsOpen() bool {
	return s == StatusActive || s == StatusAcknowledged
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive || s == StatusSuppressed
}

// NotificationStatus is the aggregate delivery outcome of an alert across its channels.
// Per-channel outcomes reuse SUCCESS and FAILED.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSending NotificationStatus = "SENDING"
	NotificationSuccess NotificationStatus = "SUCCESS"
	NotificationFailed  NotificationStatus = "FAILED"
	NotificationPartial NotificationStatus = "PARTIAL"
)

// NeedsRetry reports whether the retry sweep should revisit the alert.
func (s NotificationStatus) NeedsRetry() bool {
	return s == NotificationFailed || s == NotificationPartial
}

// Trend is an optional direction requirement on a rule's primary metric.
type Trend string

const (
	TrendNone    Trend = ""
	TrendRising  Trend = "RISING"
	TrendFalling Trend = "FALLING"
)
