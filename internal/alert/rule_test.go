package alert

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func validRule() *Rule {
	return &Rule{
		ID:                      "rule-1",
		Name:                    "Pump health",
		Type:                    RuleTypeHealthScore,
		Level:                   LevelWarning,
		CheckIntervalMinutes:    1,
		ConsecutiveTriggerCount: 1,
		SuppressionMinutes:      30,
		Active:                  true,
		Priority:                5,
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *Rule) {}, wantErr: false},
		{name: "empty id", mutate: func(r *Rule) { r.ID = "" }, wantErr: true},
		{name: "unknown type", mutate: func(r *Rule) { r.Type = "MAGIC" }, wantErr: true},
		{name: "unknown level", mutate: func(r *Rule) { r.Level = "URGENT" }, wantErr: true},
		{name: "zero check interval", mutate: func(r *Rule) { r.CheckIntervalMinutes = 0 }, wantErr: true},
		{name: "zero consecutive count", mutate: func(r *Rule) { r.ConsecutiveTriggerCount = 0 }, wantErr: true},
		{name: "negative suppression", mutate: func(r *Rule) { r.SuppressionMinutes = -1 }, wantErr: true},
		{name: "zero suppression allowed", mutate: func(r *Rule) { r.SuppressionMinutes = 0 }, wantErr: false},
		{name: "priority too low", mutate: func(r *Rule) { r.Priority = 0 }, wantErr: true},
		{name: "priority too high", mutate: func(r *Rule) { r.Priority = 11 }, wantErr: true},
		{name: "unknown trend", mutate: func(r *Rule) { r.Trend = "SIDEWAYS" }, wantErr: true},
		{name: "unknown method", mutate: func(r *Rule) { r.NotificationMethods = []Method{"PAGER"} }, wantErr: true},
		{name: "threshold without conditions", mutate: func(r *Rule) { r.Type = RuleTypeThreshold }, wantErr: true},
		{
			name: "condition without operator",
			mutate: func(r *Rule) {
				r.Type = RuleTypeCustom
				r.Conditions = map[string]Condition{"temperature": {Value: Float(80)}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("Validate() error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestRule_Matches(t *testing.T) {
	wildcard := validRule()
	scoped := validRule()
	scoped.DeviceID = "PUMP_001"

	if !wildcard.Matches("PUMP_042") {
		t.Error("wildcard rule should match any device")
	}
	if !scoped.Matches("PUMP_001") {
		t.Error("scoped rule should match its own device")
	}
	if scoped.Matches("PUMP_002") {
		t.Error("scoped rule should not match another device")
	}
}

func TestRule_Threshold(t *testing.T) {
	r := validRule()
	r.ThresholdConfig = map[string]float64{"value": 55}

	if got := r.Threshold(60, "healthScoreThreshold", "value"); got != 55 {
		t.Errorf("Threshold() = %v, want 55", got)
	}
	if got := r.Threshold(60, "healthScoreThreshold"); got != 60 {
		t.Errorf("Threshold() = %v, want default 60", got)
	}
}

func TestExpandMethods(t *testing.T) {
	tests := []struct {
		name    string
		methods []Method
		want    []Method
	}{
		{name: "all", methods: []Method{MethodAll}, want: []Method{MethodEmail, MethodSMS, MethodWebSocket}},
		{name: "all plus duplicate", methods: []Method{MethodSMS, MethodAll}, want: []Method{MethodEmail, MethodSMS, MethodWebSocket}},
		{name: "subset reordered", methods: []Method{MethodWebSocket, MethodEmail}, want: []Method{MethodEmail, MethodWebSocket}},
		{name: "empty", methods: nil, want: []Method{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandMethods(tt.methods); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandMethods() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel(t *testing.T) {
	if LevelCritical.Severity() <= LevelWarning.Severity() || LevelWarning.Severity() <= LevelInfo.Severity() {
		t.Error("severity ordering should be CRITICAL > WARNING > INFO")
	}
	if l, err := ParseLevel(" warning "); err != nil || l != LevelWarning {
		t.Errorf("ParseLevel() = %v, %v, want WARNING", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel() expected error for unknown level")
	}
}

func TestLoadRules(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantCount int
		wantErr   bool
	}{
		{
			name: "defaults applied",
			input: `[{"rule_id":"r1","name":"health","rule_type":"HEALTH_SCORE","alert_level":"WARNING",
				"threshold_config":{"healthScoreThreshold":60},"suppression_minutes":30,
				"notification_methods":["ALL"],"email_recipients":["ops@example.com"]}]`,
			wantCount: 1,
		},
		{
			name: "threshold rule with conditions",
			input: `[{"rule_id":"r2","name":"vibration","rule_type":"THRESHOLD","alert_level":"CRITICAL",
				"conditions":{"max_vibration":{"operator":">","value":7.1}},"priority":9}]`,
			wantCount: 1,
		},
		{name: "malformed json", input: `[{"rule_id":`, wantErr: true},
		{name: "invalid rule", input: `[{"rule_id":"r3","rule_type":"HEALTH_SCORE","alert_level":"WARNING","priority":12}]`, wantErr: true},
		{
			name:    "duplicate ids",
			input:   `[{"rule_id":"r4","rule_type":"HEALTH_SCORE","alert_level":"INFO"},{"rule_id":"r4","rule_type":"HEALTH_SCORE","alert_level":"INFO"}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := LoadRules(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadRules() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(rules) != tt.wantCount {
				t.Fatalf("LoadRules() returned %d rules, want %d", len(rules), tt.wantCount)
			}
			r := rules[0]
			if !r.Active {
				t.Error("rule should default to active")
			}
			if r.CheckIntervalMinutes != 1 || r.ConsecutiveTriggerCount != 1 {
				t.Errorf("defaults not applied: interval=%d consecutive=%d", r.CheckIntervalMinutes, r.ConsecutiveTriggerCount)
			}
		})
	}
}

func TestRule_Clone(t *testing.T) {
	r := validRule()
	r.Conditions = map[string]Condition{"health_score": {Operator: "<", Value: Float(60)}}
	r.EmailRecipients = []string{"a@example.com"}

	c := r.Clone()
	*c.Conditions["health_score"].Value = 10
	c.EmailRecipients[0] = "b@example.com"

	if *r.Conditions["health_score"].Value != 60 {
		t.Error("Clone() shares condition operands with the original")
	}
	if r.EmailRecipients[0] != "a@example.com" {
		t.Error("Clone() shares recipients with the original")
	}
}
