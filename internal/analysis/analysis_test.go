package analysis

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/alert"
)

func TestOutcome_Snapshot(t *testing.T) {
	analyzed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	o := &Outcome{
		DeviceID:           "PUMP_001",
		AnalyzedAt:         analyzed,
		HealthScore:        alert.Float(45),
		EfficiencyScore:    alert.Float(70),
		FailureProbability: alert.Float(0.35),
		RiskLevel:          "high",
		Anomalies: []Anomaly{
			{Type: "VIBRATION", Severity: 2},
			{Type: "POWER", Severity: 3.5},
		},
		Trends:       map[string]float64{"health_score": -1.2},
		ModelVersion: "v2",
		ResultsCount: 12,
	}

	snap := o.Snapshot("PUMP_001", time.Now())

	want := map[string]float64{
		"health_score":        45,
		"efficiency_score":    70,
		"failure_probability": 0.35,
		"risk_level":          3,
		"anomaly_count":       2,
		"anomaly_severity":    3.5,
		"health_score_trend":  -1.2,
	}
	if !reflect.DeepEqual(snap.Metrics, want) {
		t.Errorf("Snapshot().Metrics = %v, want %v", snap.Metrics, want)
	}
	if !snap.Timestamp.Equal(analyzed) {
		t.Errorf("Snapshot().Timestamp = %v, want %v", snap.Timestamp, analyzed)
	}
	if snap.Extended["model_version"] != "v2" || snap.Extended["analysis_results_count"] != 12 {
		t.Errorf("Snapshot().Extended = %v, want model_version and results count", snap.Extended)
	}
	if _, ok := snap.Metric("reliability_score"); ok {
		t.Error("absent outcome field should not produce a metric")
	}
}

func TestOutcome_SnapshotDefaultsTimestamp(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	snap := (&Outcome{}).Snapshot("FAN_1", now)
	if !snap.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, now)
	}
	if snap.DeviceID != "FAN_1" {
		t.Errorf("DeviceID = %q, want FAN_1", snap.DeviceID)
	}
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Set("PUMP_001", &Outcome{HealthScore: alert.Float(80)})
	m.Fail("PUMP_002", errors.New("timeout"))

	if _, err := m.FetchLatest(ctx, "PUMP_001"); err != nil {
		t.Errorf("FetchLatest(PUMP_001) error = %v", err)
	}
	if _, err := m.FetchLatest(ctx, "PUMP_002"); err == nil {
		t.Error("FetchLatest(PUMP_002) expected configured error")
	}
	if _, err := m.FetchLatest(ctx, "PUMP_003"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("FetchLatest(PUMP_003) error = %v, want ErrNotAvailable", err)
	}

	devices, _ := m.Devices(ctx)
	if !reflect.DeepEqual(devices, []string{"PUMP_001", "PUMP_002"}) {
		t.Errorf("Devices() = %v", devices)
	}
}

func TestStaticDevices(t *testing.T) {
	s := StaticDevices{"A", "B"}
	got, err := s.Devices(context.Background())
	if err != nil || !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("Devices() = %v, %v", got, err)
	}
	got[0] = "Z"
	if s[0] != "A" {
		t.Error("Devices() should return a copy")
	}
}

func TestRedisProvider_Integration(t *testing.T) {
	// Integration test - requires Redis
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not available: %v", err)
	}

	p := NewRedisProvider(client)
	device := "TEST_PUMP_INTEGRATION"
	defer client.Del(ctx, LatestKey(device))
	defer client.SRem(ctx, DevicesKey, device)

	if _, err := p.FetchLatest(ctx, device); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("FetchLatest() error = %v, want ErrNotAvailable", err)
	}

	if err := p.Publish(ctx, &Outcome{DeviceID: device, HealthScore: alert.Float(42)}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got, err := p.FetchLatest(ctx, device)
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	if got.HealthScore == nil || *got.HealthScore != 42 {
		t.Errorf("FetchLatest().HealthScore = %v, want 42", got.HealthScore)
	}

	devices, err := p.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	found := false
	for _, d := range devices {
		if d == device {
			found = true
		}
	}
	if !found {
		t.Errorf("Devices() = %v, want to contain %s", devices, device)
	}
}
