package alert

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Condition compares one metric against an operand.
// A nil Value means the operand comes from the rule's threshold config.
type Condition struct {
	Operator string   `json:"operator"`
	Value    *float64 `json:"value,omitempty"`
}

// Rule describes what to watch for on a device (or on every device when DeviceID is empty).
type Rule struct {
	ID          string `json:"rule_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// DeviceID scopes the rule; empty matches all devices.
	DeviceID string   `json:"device_id,omitempty"`
	Type     RuleType `json:"rule_type"`
	Level    Level    `json:"alert_level"`

	Conditions      map[string]Condition `json:"conditions,omitempty"`
	ThresholdConfig map[string]float64   `json:"threshold_config,omitempty"`
	Trend           Trend                `json:"trend,omitempty"`

	CheckIntervalMinutes    int  `json:"check_interval_minutes"`
	ConsecutiveTriggerCount int  `json:"consecutive_trigger_count"`
	SuppressionMinutes      int  `json:"suppression_minutes"`
	Active                  bool `json:"is_active"`

	NotificationMethods []Method `json:"notification_methods,omitempty"`
	EmailRecipients     []string `json:"email_recipients,omitempty"`
	SMSRecipients       []string `json:"sms_recipients,omitempty"`
	Priority            int      `json:"priority"`

	// LastTriggeredAt is the most recent fire across all devices, kept for display.
	// Suppression is anchored on the per-(rule, device) trigger time held by the store.
	LastTriggeredAt *time.Time `json:"last_triggered_time,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the rule invariants.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule_id cannot be empty", ErrInvalidRule)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("%w: rule %s has unknown type %q", ErrInvalidRule, r.ID, r.Type)
	}
	if !r.Level.IsValid() {
		return fmt.Errorf("%w: rule %s has unknown alert level %q", ErrInvalidRule, r.ID, r.Level)
	}
	if r.CheckIntervalMinutes < 1 {
		return fmt.Errorf("%w: rule %s check_interval_minutes must be >= 1, got %d", ErrInvalidRule, r.ID, r.CheckIntervalMinutes)
	}
	if r.ConsecutiveTriggerCount < 1 {
		return fmt.Errorf("%w: rule %s consecutive_trigger_count must be >= 1, got %d", ErrInvalidRule, r.ID, r.ConsecutiveTriggerCount)
	}
	if r.SuppressionMinutes < 0 {
		return fmt.Errorf("%w: rule %s suppression_minutes must be >= 0, got %d", ErrInvalidRule, r.ID, r.SuppressionMinutes)
	}
	if r.Priority < 1 || r.Priority > 10 {
		return fmt.Errorf("%w: rule %s priority must be in [1,10], got %d", ErrInvalidRule, r.ID, r.Priority)
	}
	switch r.Trend {
	case TrendNone, TrendRising, TrendFalling:
	default:
		return fmt.Errorf("%w: rule %s has unknown trend %q", ErrInvalidRule, r.ID, r.Trend)
	}
	for _, m := range r.NotificationMethods {
		if !m.IsValid() {
			return fmt.Errorf("%w: rule %s has unknown notification method %q", ErrInvalidRule, r.ID, m)
		}
	}
	if (r.Type == RuleTypeThreshold || r.Type == RuleTypeCustom) && len(r.Conditions) == 0 {
		return fmt.Errorf("%w: rule %s of type %s requires at least one condition", ErrInvalidRule, r.ID, r.Type)
	}
	for metric, cond := range r.Conditions {
		if metric == "" {
			return fmt.Errorf("%w: rule %s has a condition with an empty metric name", ErrInvalidRule, r.ID)
		}
		if cond.Operator == "" {
			return fmt.Errorf("%w: rule %s condition on %s has no operator", ErrInvalidRule, r.ID, metric)
		}
	}
	return nil
}

// Matches reports whether the rule applies to the device.
func (r *Rule) Matches(deviceID string) bool {
	return r.DeviceID == "" || r.DeviceID == deviceID
}

// Threshold returns the first configured threshold among keys, or def when none is set.
func (r *Rule) Threshold(def float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := r.ThresholdConfig[k]; ok {
			return v
		}
	}
	return def
}

// Clone returns a deep copy of the rule.
func (r *Rule) Clone() *Rule {
	c := *r
	if r.Conditions != nil {
		c.Conditions = make(map[string]Condition, len(r.Conditions))
		for k, v := range r.Conditions {
			if v.Value != nil {
				val := *v.Value
				v.Value = &val
			}
			c.Conditions[k] = v
		}
	}
	if r.ThresholdConfig != nil {
		c.ThresholdConfig = make(map[string]float64, len(r.ThresholdConfig))
		for k, v := range r.ThresholdConfig {
			c.ThresholdConfig[k] = v
		}
	}
	c.NotificationMethods = append([]Method(nil), r.NotificationMethods...)
	c.EmailRecipients = append([]string(nil), r.EmailRecipients...)
	c.SMSRecipients = append([]string(nil), r.SMSRecipients...)
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		c.LastTriggeredAt = &t
	}
	return &c
}

// LoadRules decodes a JSON array of rules and validates each one.
// Rules default to active with priority 1 when those fields are omitted.
func LoadRules(r io.Reader) ([]*Rule, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	rules := make([]*Rule, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for i, msg := range raw {
		rule := &Rule{Active: true, Priority: 1, CheckIntervalMinutes: 1, ConsecutiveTriggerCount: 1}
		if err := json.Unmarshal(msg, rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule at index %d: %w", i, err)
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("%w: duplicate rule_id %s", ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, nil
}
