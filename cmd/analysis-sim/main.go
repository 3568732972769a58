// Command analysis-sim publishes synthetic pump analysis outcomes to Redis so
// the alert engine has devices to evaluate during local development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/alert"
	"alerting/internal/analysis"
	"alerting/internal/config"
)

var (
	riskLevels    = []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}
	anomalyTypes  = []string{"vibration_spike", "power_surge", "temperature_drift", "pressure_drop", "flow_irregularity"}
	modelVersions = []string{"pump-health-v2.3", "pump-health-v2.4"}
)

func main() {
	redisAddr := flag.String("redis-addr", config.GetEnvOrDefault("REDIS_ADDR", "localhost:6379"), "Redis server address")
	devices := flag.Int("devices", 10, "Number of simulated pumps")
	prefix := flag.String("prefix", "PUMP_", "Device ID prefix")
	interval := flag.Duration("interval", 30*time.Second, "Publish interval (0 publishes once and exits)")
	degradedRatio := flag.Float64("degraded-ratio", 0.2, "Share of pumps reporting degraded health")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if *devices < 1 {
		slog.Error("Invalid configuration", "error", "devices must be at least 1")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("Received shutdown signal, stopping simulator...")
		cancel()
	}()

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "addr", *redisAddr, "error", err)
		slog.Info("Tip: Start Redis with 'docker compose up -d redis'")
		os.Exit(1)
	}

	sim := &simulator{
		provider: analysis.NewRedisProvider(client),
		rng:      rand.New(rand.NewSource(*seed)),
		degraded: *degradedRatio,
	}
	for i := 1; i <= *devices; i++ {
		sim.devices = append(sim.devices, fmt.Sprintf("%s%03d", *prefix, i))
	}

	sim.publishAll(ctx)
	if *interval <= 0 {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Simulator stopped")
			return
		case <-ticker.C:
			sim.publishAll(ctx)
		}
	}
}

type simulator struct {
	provider *analysis.RedisProvider
	rng      *rand.Rand
	devices  []string
	degraded float64
}

func (s *simulator) publishAll(ctx context.Context) {
	published := 0
	for _, deviceID := range s.devices {
		if err := s.provider.Publish(ctx, s.outcome(deviceID)); err != nil {
			slog.Warn("Failed to publish outcome", "device_id", deviceID, "error", err)
			continue
		}
		published++
	}
	slog.Info("Published analysis outcomes", "devices", published)
}

// outcome draws one analysis result. Degraded pumps get low scores, rising
// failure probability and anomalies.
func (s *simulator) outcome(deviceID string) *analysis.Outcome {
	degraded := s.rng.Float64() < s.degraded
	health := 70 + s.rng.Float64()*30
	failure := s.rng.Float64() * 0.3
	anomalyRate := s.rng.Float64() * 10
	if degraded {
		health = 20 + s.rng.Float64()*40
		failure = 0.6 + s.rng.Float64()*0.4
		anomalyRate = 15 + s.rng.Float64()*30
	}

	o := &analysis.Outcome{
		DeviceID:            deviceID,
		AnalyzedAt:          time.Now(),
		HealthScore:         alert.Float(health),
		EfficiencyScore:     alert.Float(health - s.rng.Float64()*10),
		ReliabilityScore:    alert.Float(health + s.rng.Float64()*5),
		MaintenanceScore:    alert.Float(health - s.rng.Float64()*5),
		PerformanceScore:    alert.Float(health - s.rng.Float64()*15),
		AveragePower:        alert.Float(40 + s.rng.Float64()*20),
		AverageVibration:    alert.Float(1 + s.rng.Float64()*3),
		MaxVibration:        alert.Float(4 + s.rng.Float64()*6),
		FailureProbability:  alert.Float(failure),
		RemainingUsefulLife: alert.Float((1 - failure) * 5000),
		RiskLevel:           riskLevels[riskIndex(failure)],
		ConfidenceScore:     alert.Float(0.6 + s.rng.Float64()*0.4),
		AnomalyRate:         alert.Float(anomalyRate),
		Trends: map[string]float64{
			"health_score":        s.rng.NormFloat64(),
			"failure_probability": s.rng.NormFloat64() * 0.05,
			"performance_score":   s.rng.NormFloat64(),
		},
		ModelVersion:     modelVersions[s.rng.Intn(len(modelVersions))],
		ProcessingTimeMs: int64(50 + s.rng.Intn(450)),
		ResultsCount:     1 + s.rng.Intn(5),
	}
	if degraded {
		for i := 0; i < 1+s.rng.Intn(3); i++ {
			o.Anomalies = append(o.Anomalies, analysis.Anomaly{
				Type:     anomalyTypes[s.rng.Intn(len(anomalyTypes))],
				Severity: 0.5 + s.rng.Float64()*0.5,
			})
		}
	}
	return o
}

func riskIndex(failure float64) int {
	switch {
	case failure >= 0.9:
		return 3
	case failure >= 0.7:
		return 2
	case failure >= 0.4:
		return 1
	default:
		return 0
	}
}
