package main

import (
	"math/rand"
	"testing"
)

func TestRiskIndex(t *testing.T) {
	tests := []struct {
		failure float64
		want    string
	}{
		{0.1, "LOW"},
		{0.4, "MEDIUM"},
		{0.75, "HIGH"},
		{0.95, "CRITICAL"},
	}
	for _, tt := range tests {
		if got := riskLevels[riskIndex(tt.failure)]; got != tt.want {
			t.Errorf("riskIndex(%v) = %s, want %s", tt.failure, got, tt.want)
		}
	}
}

func TestSimulator_Outcome(t *testing.T) {
	tests := []struct {
		name       string
		degraded   float64
		wantHealth func(float64) bool
		wantAnoms  bool
	}{
		{name: "healthy", degraded: 0, wantHealth: func(h float64) bool { return h >= 70 }},
		{name: "degraded", degraded: 1, wantHealth: func(h float64) bool { return h < 60 }, wantAnoms: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &simulator{rng: rand.New(rand.NewSource(1)), degraded: tt.degraded}
			for i := 0; i < 20; i++ {
				o := s.outcome("PUMP_001")
				if o.DeviceID != "PUMP_001" || o.HealthScore == nil {
					t.Fatalf("outcome() = %+v", o)
				}
				if !tt.wantHealth(*o.HealthScore) {
					t.Errorf("outcome() health = %v", *o.HealthScore)
				}
				if (len(o.Anomalies) > 0) != tt.wantAnoms {
					t.Errorf("outcome() anomalies = %v, want present %v", o.Anomalies, tt.wantAnoms)
				}
				snap := o.Snapshot("PUMP_001", o.AnalyzedAt)
				if _, ok := snap.Metric("health_score"); !ok {
					t.Errorf("snapshot lacks health_score: %+v", snap)
				}
			}
		})
	}
}
