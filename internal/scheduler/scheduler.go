// Package scheduler drives the periodic work of the alert pipeline: the rule
// sweep, the notification retry sweep, retention cleanup, the daily report
// and the self health check. Each cadence runs as an independent cron job;
// a failing or panicking tick is logged and the next tick runs as usual.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alerting/internal/alert"
	"alerting/internal/analysis"
	"alerting/internal/notify"
	"alerting/internal/report"
)

// Default cadences. Expressions take an optional leading seconds field.
const (
	DefaultRuleSweep = "@every 1m"
	DefaultRetry     = "@every 5m"
	DefaultCleanup   = "0 0 2 * * *"
	DefaultReport    = "0 0 9 * * *"
	DefaultHealth    = "@every 30m"

	DefaultRetention = 90 * 24 * time.Hour
)

// AlertManager is the part of the manager the scheduler drives.
type AlertManager interface {
	EvaluateDevice(ctx context.Context, deviceID string) ([]*alert.Record, error)
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
	report.AlertStats
}

// Dispatcher is the part of the notification dispatcher the scheduler drives.
type Dispatcher interface {
	RetryFailedNotifications(ctx context.Context) (*notify.RetrySummary, error)
	report.NotificationStats
}

// Notifier receives system notifications, such as a failed health check.
type Notifier interface {
	BroadcastSystemNotification(title, body string) int
}

// Config holds the cron expressions and the retention horizon.
type Config struct {
	RuleSweep string
	Retry     string
	Cleanup   string
	Report    string
	Health    string
	Retention time.Duration
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		RuleSweep: DefaultRuleSweep,
		Retry:     DefaultRetry,
		Cleanup:   DefaultCleanup,
		Report:    DefaultReport,
		Health:    DefaultHealth,
		Retention: DefaultRetention,
	}
}

// Options carries the collaborators of a Scheduler.
type Options struct {
	Manager    AlertManager
	Dispatcher Dispatcher
	Devices    analysis.DeviceSource
	Health     *HealthChecker
	Notifier   Notifier
	Sinks      []report.Sink
	Now        func() time.Time
}

// Scheduler owns the cron runner and the per-device evaluation goroutines.
type Scheduler struct {
	cfg        Config
	cron       *cron.Cron
	manager    AlertManager
	dispatcher Dispatcher
	devices    analysis.DeviceSource
	health     *HealthChecker
	notifier   Notifier
	sinks      []report.Sink
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
	baseCtx  context.Context
}

// Parser accepts standard five-field expressions with an optional leading
// seconds field, and descriptors such as @every and @daily.
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a scheduler and registers every cadence with a non-empty
// expression. An invalid expression is returned as an error.
func New(cfg Config, opts Options) (*Scheduler, error) {
	if opts.Manager == nil || opts.Dispatcher == nil || opts.Devices == nil {
		return nil, errors.New("scheduler requires a manager, a dispatcher and a device source")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Scheduler{
		cfg:        cfg,
		manager:    opts.Manager,
		dispatcher: opts.Dispatcher,
		devices:    opts.Devices,
		health:     opts.Health,
		notifier:   opts.Notifier,
		sinks:      opts.Sinks,
		now:        opts.Now,
		inFlight:   make(map[string]struct{}),
		baseCtx:    context.Background(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(s.sinks) == 0 {
		s.sinks = []report.Sink{report.LogSink{}}
	}

	logger := cronLogger{}
	s.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"rule_sweep", cfg.RuleSweep, func(ctx context.Context) error {
			_, err := s.TriggerAlertCheck(ctx)
			return err
		}},
		{"notification_retry", cfg.Retry, func(ctx context.Context) error {
			_, err := s.TriggerNotificationRetry(ctx)
			return err
		}},
		{"retention_cleanup", cfg.Cleanup, func(ctx context.Context) error {
			_, err := s.RunCleanup(ctx)
			return err
		}},
		{"daily_report", cfg.Report, func(ctx context.Context) error {
			_, err := s.RunReport(ctx)
			return err
		}},
		{"health_check", cfg.Health, func(ctx context.Context) error {
			status := s.RunHealthCheck(ctx)
			if !status.Healthy {
				return errors.New("one or more components are unhealthy")
			}
			return nil
		}},
	}
	for _, j := range jobs {
		if j.spec == "" {
			slog.Info("Scheduled job disabled", "job", j.name)
			continue
		}
		job := j
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", job.name, job.spec, err)
		}
		slog.Info("Scheduled job registered", "job", job.name, "schedule", job.spec)
	}
	return s, nil
}

// Start begins running the cron jobs. Device evaluations started by the
// scheduler inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	slog.Info("Scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops the cron runner and waits for running jobs and device
// evaluations to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// Wait blocks until every in-flight device evaluation has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) runJob(name string, run func(ctx context.Context) error) {
	start := time.Now()
	if err := run(s.context()); err != nil {
		slog.Error("Scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("Scheduled job finished", "job", name, "duration", time.Since(start))
}

// ============================================================================
// Rule sweep
// ============================================================================

// TriggerAlertCheck starts one evaluation goroutine per known device and
// returns how many were started without waiting for them. A device whose
// previous evaluation is still running is skipped.
func (s *Scheduler) TriggerAlertCheck(ctx context.Context) (int, error) {
	devices, err := s.devices.Devices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	started := 0
	for _, deviceID := range devices {
		if !s.claim(deviceID) {
			slog.Debug("Device evaluation still running, skipping", "device_id", deviceID)
			continue
		}
		started++
		s.wg.Add(1)
		go s.evaluateDevice(ctx, deviceID)
	}
	slog.Debug("Rule sweep dispatched", "devices", len(devices), "started", started)
	return started, nil
}

func (s *Scheduler) claim(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[deviceID]; busy {
		return false
	}
	s.inFlight[deviceID] = struct{}{}
	return true
}

func (s *Scheduler) release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, deviceID)
}

func (s *Scheduler) evaluateDevice(ctx context.Context, deviceID string) {
	defer s.wg.Done()
	defer s.release(deviceID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Device evaluation panicked",
				"device_id", deviceID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	records, err := s.manager.EvaluateDevice(ctx, deviceID)
	if errors.Is(err, analysis.ErrNotAvailable) {
		slog.Warn("Analysis not available, skipping device", "device_id", deviceID, "error", err)
		return
	}
	if err != nil {
		slog.Error("Device evaluation failed", "device_id", deviceID, "error", err)
		return
	}
	if len(records) > 0 {
		slog.Info("Device evaluated", "device_id", deviceID, "records", len(records))
	}
}

// ============================================================================
// Retry, cleanup and report
// ============================================================================

// TriggerNotificationRetry runs the notification retry sweep now.
func (s *Scheduler) TriggerNotificationRetry(ctx context.Context) (*notify.RetrySummary, error) {
	summary, err := s.dispatcher.RetryFailedNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("notification retry sweep failed: %w", err)
	}
	return summary, nil
}

// RunCleanup purges closed alerts older than the retention horizon.
func (s *Scheduler) RunCleanup(ctx context.Context) (int64, error) {
	return s.manager.PurgeExpired(ctx, s.cfg.Retention)
}

// RunReport builds the report for the previous calendar day and delivers it
// to every sink.
func (s *Scheduler) RunReport(ctx context.Context) (*report.Report, error) {
	now := s.now()
	since, until := report.PreviousDay(now)
	r, err := report.Build(ctx, s.manager, s.dispatcher, since, until, now)
	if err != nil {
		return nil, err
	}
	if err := report.Deliver(ctx, r, s.sinks...); err != nil {
		return r, err
	}
	return r, nil
}

// RunHealthCheck checks every component and broadcasts a system
// notification when one is unhealthy.
func (s *Scheduler) RunHealthCheck(ctx context.Context) HealthStatus {
	if s.health == nil {
		return HealthStatus{Healthy: true, CheckedAt: s.now()}
	}
	status := s.health.Check(ctx)
	if !status.Healthy && s.notifier != nil {
		s.notifier.BroadcastSystemNotification("Alert engine health check failed", status.Summary())
	}
	return status
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
