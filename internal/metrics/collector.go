package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/alert"
)

const (
	// KeyPrefix prefixes the Redis key a collector writes its snapshot to.
	KeyPrefix = "metrics:"
	// TTL bounds how long a snapshot survives without a refresh.
	TTL = 2 * time.Minute

	DefaultReportInterval = 30 * time.Second
)

// ServiceMetrics is the snapshot document a Collector stores in Redis.
// Counter fields count from process start.
type ServiceMetrics struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`

	DevicesEvaluated    uint64 `json:"devices_evaluated"`
	AlertsCreated       uint64 `json:"alerts_created"`
	AlertsSuppressed    uint64 `json:"alerts_suppressed"`
	DeliveriesSucceeded uint64 `json:"deliveries_succeeded"`
	DeliveriesFailed    uint64 `json:"deliveries_failed"`
	Errors              uint64 `json:"errors"`

	// EvaluationsPerSecond covers the time since the previous write.
	EvaluationsPerSecond   float64 `json:"evaluations_per_second"`
	AvgEvaluationLatencyNs float64 `json:"avg_evaluation_latency_ns"`

	CustomCounters map[string]uint64 `json:"custom_counters,omitempty"`
}

// counter indexes the fixed pipeline counters of a Collector.
type counter int

const (
	devicesEvaluated counter = iota
	alertsCreated
	alertsSuppressed
	deliveriesSucceeded
	deliveriesFailed
	pipelineErrors
	numCounters
)

// rateWindow remembers the evaluation count at the previous Redis write so
// the next snapshot can report evaluations per second since then.
type rateWindow struct {
	mu        sync.Mutex
	since     time.Time
	evaluated uint64
}

func (w *rateWindow) rate(now time.Time, evaluated uint64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := now.Sub(w.since).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(evaluated-w.evaluated) / elapsed
}

func (w *rateWindow) reset(now time.Time, evaluated uint64) {
	w.mu.Lock()
	w.since, w.evaluated = now, evaluated
	w.mu.Unlock()
}

// Collector counts pipeline events in memory and periodically writes them to Redis.
type Collector struct {
	serviceName    string
	redis          *redis.Client
	startedAt      time.Time
	reportInterval time.Duration

	counters  [numCounters]atomic.Uint64
	latencyNs atomic.Uint64
	window    rateWindow

	// name -> *atomic.Uint64
	custom sync.Map

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector returns a collector for serviceName. With a nil Redis client
// the counters are kept in memory only and Start never writes.
func NewCollector(serviceName string, redisClient *redis.Client) *Collector {
	now := time.Now().UTC()
	c := &Collector{
		serviceName:    serviceName,
		redis:          redisClient,
		startedAt:      now,
		reportInterval: DefaultReportInterval,
		stopCh:         make(chan struct{}),
	}
	c.window.reset(now, 0)
	return c
}

func (c *Collector) SetReportInterval(interval time.Duration) {
	c.reportInterval = interval
}

// Start writes a snapshot to Redis every report interval until ctx is done or
// Stop is called. One last snapshot is written on the way out.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMetrics(ctx)
			continue
		case <-ctx.Done():
		case <-c.stopCh:
		}
		c.writeMetrics(context.WithoutCancel(ctx))
		return
	}
}

// Stop ends reporting and waits for the final write.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RecordEvaluation counts one device evaluation that took latency.
func (c *Collector) RecordEvaluation(latency time.Duration) {
	c.counters[devicesEvaluated].Add(1)
	c.latencyNs.Add(uint64(latency.Nanoseconds()))
}

// RecordAlert counts a created record; suppressed records are counted apart.
func (c *Collector) RecordAlert(status alert.Status) {
	if status == alert.StatusSuppressed {
		c.counters[alertsSuppressed].Add(1)
	} else {
		c.counters[alertsCreated].Add(1)
	}
}

// RecordDelivery counts one channel attempt, in total and per method.
func (c *Collector) RecordDelivery(method alert.Method, success bool) {
	outcome, idx := "failed", deliveriesFailed
	if success {
		outcome, idx = "success", deliveriesSucceeded
	}
	c.counters[idx].Add(1)
	c.IncrementCustom(fmt.Sprintf("delivery_%s_%s", outcome, method))
}

func (c *Collector) RecordError() {
	c.counters[pipelineErrors].Add(1)
}

// IncrementCustom increments the named counter, creating it on first use.
func (c *Collector) IncrementCustom(name string) {
	v, ok := c.custom.Load(name)
	if !ok {
		v, _ = c.custom.LoadOrStore(name, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

// GetSnapshot returns the current counters without writing them anywhere.
func (c *Collector) GetSnapshot() *ServiceMetrics {
	now := time.Now().UTC()
	m := &ServiceMetrics{
		ServiceName:         c.serviceName,
		StartedAt:           c.startedAt,
		LastUpdated:         now,
		Status:              "healthy",
		DevicesEvaluated:    c.counters[devicesEvaluated].Load(),
		AlertsCreated:       c.counters[alertsCreated].Load(),
		AlertsSuppressed:    c.counters[alertsSuppressed].Load(),
		DeliveriesSucceeded: c.counters[deliveriesSucceeded].Load(),
		DeliveriesFailed:    c.counters[deliveriesFailed].Load(),
		Errors:              c.counters[pipelineErrors].Load(),
		CustomCounters:      make(map[string]uint64),
	}
	m.EvaluationsPerSecond = c.window.rate(now, m.DevicesEvaluated)
	if m.DevicesEvaluated > 0 {
		m.AvgEvaluationLatencyNs = float64(c.latencyNs.Load()) / float64(m.DevicesEvaluated)
	}
	c.custom.Range(func(k, v any) bool {
		m.CustomCounters[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return m
}

func (c *Collector) writeMetrics(ctx context.Context) {
	if c.redis == nil {
		return
	}

	snap := c.GetSnapshot()
	c.window.reset(snap.LastUpdated, snap.DevicesEvaluated)

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to encode metrics snapshot", "service", c.serviceName, "error", err)
		return
	}
	key := KeyPrefix + c.serviceName
	if err := c.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Error("Failed to publish metrics snapshot", "service", c.serviceName, "key", key, "error", err)
		return
	}
	slog.Debug("Published metrics snapshot", "service", c.serviceName, "key", key)
}

// ReadServiceMetrics loads the snapshot last stored for serviceName. A
// snapshot that has not been refreshed within TTL is marked "unhealthy".
func ReadServiceMetrics(ctx context.Context, rdb *redis.Client, serviceName string) (*ServiceMetrics, error) {
	data, err := rdb.Get(ctx, KeyPrefix+serviceName).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("no metrics stored for %s", serviceName)
	case err != nil:
		return nil, fmt.Errorf("failed to read metrics for %s: %w", serviceName, err)
	}

	snap := new(ServiceMetrics)
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode metrics for %s: %w", serviceName, err)
	}
	if time.Since(snap.LastUpdated) > TTL {
		snap.Status = "unhealthy"
	}
	return snap, nil
}
