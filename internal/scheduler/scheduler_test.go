package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"alerting/internal/alert"
	"alerting/internal/analysis"
	"alerting/internal/manager"
	"alerting/internal/notify"
	"alerting/internal/report"
)

type fakeManager struct {
	mu        sync.Mutex
	evaluated map[string]int
	block     chan struct{}
	fail      map[string]error
	panicOn   string
	purged    time.Duration
	since     time.Time
	until     time.Time
}

func newFakeManager() *fakeManager {
	return &fakeManager{evaluated: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeManager) EvaluateDevice(ctx context.Context, deviceID string) ([]*alert.Record, error) {
	f.mu.Lock()
	f.evaluated[deviceID]++
	block, err := f.block, f.fail[deviceID]
	f.mu.Unlock()

	if deviceID == f.panicOn {
		panic("evaluator bug")
	}
	if block != nil {
		<-block
	}
	return nil, err
}

func (f *fakeManager) count(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evaluated[deviceID]
}

func (f *fakeManager) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	f.purged = retention
	return 2, nil
}

func (f *fakeManager) GetStatisticsWindow(ctx context.Context, deviceID string, since, until time.Time) (*manager.Statistics, error) {
	f.since, f.until = since, until
	return &manager.Statistics{Since: since, Until: until, TotalAlerts: 5}, nil
}

type fakeDispatcher struct {
	calls int
	err   error
}

func (f *fakeDispatcher) RetryFailedNotifications(ctx context.Context) (*notify.RetrySummary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &notify.RetrySummary{Scanned: 3, Retried: 2, Recovered: 1}, nil
}

func (f *fakeDispatcher) GetStatisticsWindow(ctx context.Context, since, until time.Time) (*notify.Statistics, error) {
	return &notify.Statistics{Since: since, Until: until}, nil
}

type fakeNotifier struct {
	titles []string
	bodies []string
}

func (f *fakeNotifier) BroadcastSystemNotification(title, body string) int {
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, body)
	return 1
}

type captureSink struct {
	reports []*report.Report
}

func (c *captureSink) Deliver(ctx context.Context, r *report.Report) error {
	c.reports = append(c.reports, r)
	return nil
}

type fakeEmail struct {
	available []string
}

func (f fakeEmail) Available() []string { return f.available }
func (f fakeEmail) List() []string { return []string{"resend", "ses", "smtp"} }

func newScheduler(t *testing.T, cfg Config, opts Options) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNew_Schedules(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantJobs int
		wantErr  bool
	}{
		{name: "defaults", cfg: DefaultConfig(), wantJobs: 5},
		{name: "disabled jobs", cfg: Config{RuleSweep: "@every 1m", Retry: "*/5 * * * *"}, wantJobs: 2},
		{name: "invalid expression", cfg: Config{RuleSweep: "every minute"}, wantErr: true},
		{name: "too many fields", cfg: Config{Cleanup: "0 0 0 2 * * *"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, Options{
				Manager:    newFakeManager(),
				Dispatcher: &fakeDispatcher{},
				Devices:    analysis.StaticDevices{"PUMP_001"},
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := len(s.cron.Entries()); got != tt.wantJobs {
				t.Errorf("New() registered %d jobs, want %d", got, tt.wantJobs)
			}
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), Options{}); err == nil {
		t.Error("New() without collaborators should fail")
	}
}

func TestTriggerAlertCheck(t *testing.T) {
	m := newFakeManager()
	m.fail["PUMP_002"] = analysis.ErrNotAvailable
	m.fail["PUMP_003"] = errors.New("store unavailable")
	m.panicOn = "PUMP_004"
	s := newScheduler(t, Config{}, Options{
		Manager:    m,
		Dispatcher: &fakeDispatcher{},
		Devices:    analysis.StaticDevices{"PUMP_001", "PUMP_002", "PUMP_003", "PUMP_004"},
	})

	started, err := s.TriggerAlertCheck(context.Background())
	if err != nil || started != 4 {
		t.Fatalf("TriggerAlertCheck() = %d, %v; want 4", started, err)
	}
	s.Wait()

	// Every device is evaluated again on the next tick despite the failures.
	if started, _ := s.TriggerAlertCheck(context.Background()); started != 4 {
		t.Errorf("second TriggerAlertCheck() started %d, want 4", started)
	}
	s.Wait()
	for _, id := range []string{"PUMP_001", "PUMP_002", "PUMP_003", "PUMP_004"} {
		if got := m.count(id); got != 2 {
			t.Errorf("device %s evaluated %d times, want 2", id, got)
		}
	}
}

func TestTriggerAlertCheck_SkipsDeviceInFlight(t *testing.T) {
	m := newFakeManager()
	m.block = make(chan struct{})
	s := newScheduler(t, Config{}, Options{
		Manager:    m,
		Dispatcher: &fakeDispatcher{},
		Devices:    analysis.StaticDevices{"PUMP_001"},
	})

	if started, _ := s.TriggerAlertCheck(context.Background()); started != 1 {
		t.Fatalf("first TriggerAlertCheck() started %d, want 1", started)
	}
	if started, _ := s.TriggerAlertCheck(context.Background()); started != 0 {
		t.Errorf("overlapping TriggerAlertCheck() started %d, want 0", started)
	}
	close(m.block)
	s.Wait()

	if got := m.count("PUMP_001"); got != 1 {
		t.Errorf("device evaluated %d times, want 1", got)
	}
}

func TestTriggerNotificationRetry(t *testing.T) {
	d := &fakeDispatcher{}
	s := newScheduler(t, Config{}, Options{Manager: newFakeManager(), Dispatcher: d, Devices: analysis.StaticDevices{}})

	summary, err := s.TriggerNotificationRetry(context.Background())
	if err != nil || summary.Recovered != 1 || d.calls != 1 {
		t.Errorf("TriggerNotificationRetry() = %+v, %v", summary, err)
	}

	d.err = errors.New("store unavailable")
	if _, err := s.TriggerNotificationRetry(context.Background()); !errors.Is(err, d.err) {
		t.Errorf("TriggerNotificationRetry() error = %v, want %v", err, d.err)
	}
}

func TestRunCleanup(t *testing.T) {
	m := newFakeManager()
	s := newScheduler(t, Config{Retention: 7 * 24 * time.Hour}, Options{Manager: m, Dispatcher: &fakeDispatcher{}, Devices: analysis.StaticDevices{}})

	n, err := s.RunCleanup(context.Background())
	if err != nil || n != 2 || m.purged != 7*24*time.Hour {
		t.Errorf("RunCleanup() = %d, %v; retention %v", n, err, m.purged)
	}
}

func TestRunCleanup_DefaultRetention(t *testing.T) {
	if DefaultConfig().Retention != 90*24*time.Hour {
		t.Errorf("DefaultConfig().Retention = %v, want 90 days", DefaultConfig().Retention)
	}

	m := newFakeManager()
	s := newScheduler(t, Config{}, Options{Manager: m, Dispatcher: &fakeDispatcher{}, Devices: analysis.StaticDevices{}})
	if _, err := s.RunCleanup(context.Background()); err != nil {
		t.Fatalf("RunCleanup() error = %v", err)
	}
	if m.purged != 90*24*time.Hour {
		t.Errorf("RunCleanup() retention = %v, want 90 days", m.purged)
	}
}

func TestRunReport(t *testing.T) {
	m := newFakeManager()
	sink := &captureSink{}
	now := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	s := newScheduler(t, Config{}, Options{
		Manager:    m,
		Dispatcher: &fakeDispatcher{},
		Devices:    analysis.StaticDevices{},
		Sinks:      []report.Sink{sink},
		Now:        func() time.Time { return now },
	})

	r, err := s.RunReport(context.Background())
	if err != nil {
		t.Fatalf("RunReport() error = %v", err)
	}
	wantSince := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !m.since.Equal(wantSince) || !m.until.Equal(wantSince.Add(24*time.Hour)) {
		t.Errorf("RunReport() window = [%v, %v)", m.since, m.until)
	}
	if r.Date != "2024-03-01" || len(sink.reports) != 1 || sink.reports[0].Alerts.TotalAlerts != 5 {
		t.Errorf("RunReport() = %+v, delivered %d", r, len(sink.reports))
	}
}

func TestRunHealthCheck(t *testing.T) {
	tests := []struct {
		name        string
		redisErr    error
		email       []string
		wantHealthy bool
		wantNotify  bool
	}{
		{name: "healthy", email: []string{"smtp"}, wantHealthy: true},
		{name: "no email provider", wantHealthy: true},
		{name: "redis down", redisErr: errors.New("connection refused"), email: []string{"smtp"}, wantNotify: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewHealthChecker(time.Second)
			checker.AddCheck("postgres", func(ctx context.Context) error { return nil })
			checker.AddCheck("redis", func(ctx context.Context) error { return tt.redisErr })
			checker.SetEmailProviders(fakeEmail{available: tt.email})
			notifier := &fakeNotifier{}
			s := newScheduler(t, Config{}, Options{
				Manager:    newFakeManager(),
				Dispatcher: &fakeDispatcher{},
				Devices:    analysis.StaticDevices{},
				Health:     checker,
				Notifier:   notifier,
			})

			status := s.RunHealthCheck(context.Background())
			if status.Healthy != tt.wantHealthy {
				t.Errorf("RunHealthCheck() healthy = %v, want %v (%v)", status.Healthy, tt.wantHealthy, status.Components)
			}
			if got := len(notifier.titles) == 1; got != tt.wantNotify {
				t.Errorf("system notification sent = %v, want %v", got, tt.wantNotify)
			}
			if tt.wantNotify && !strings.Contains(notifier.bodies[0], "redis: connection refused") {
				t.Errorf("notification body = %q", notifier.bodies[0])
			}
			if checker.Last().CheckedAt.IsZero() {
				t.Error("Last() not recorded")
			}
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	checker := NewHealthChecker(10 * time.Millisecond)
	checker.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := checker.Check(context.Background())
	if status.Healthy || status.Components["slow"] != context.DeadlineExceeded.Error() {
		t.Errorf("Check() = %+v, want slow component timed out", status)
	}
}

func TestScheduler_StartStop(t *testing.T) {
	m := newFakeManager()
	s := newScheduler(t, Config{RuleSweep: "@every 1s"}, Options{
		Manager:    m,
		Dispatcher: &fakeDispatcher{},
		Devices:    analysis.StaticDevices{"PUMP_001"},
	})

	s.Start(context.Background())
	deadline := time.Now().Add(3 * time.Second)
	for m.count("PUMP_001") == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if m.count("PUMP_001") == 0 {
		t.Error("rule sweep never ran")
	}
}
