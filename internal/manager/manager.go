// Package manager orchestrates the alert pipeline: it evaluates rules against
// analysis outcomes, applies suppression and deduplication, persists alert
// records, hands new alerts to the notification dispatcher and drives the
// alert lifecycle.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alerting/internal/alert"
	"alerting/internal/analysis"
	"alerting/internal/engine"
	"alerting/internal/events"
	"alerting/internal/locker"
	"alerting/internal/metrics"
)

// Store is the persistence the manager needs.
type Store interface {
	UpsertRule(ctx context.Context, rule *alert.Rule) error
	ListActiveRulesForDevice(ctx context.Context, deviceID string) ([]*alert.Rule, error)
	LastTriggered(ctx context.Context, ruleID, deviceID string) (time.Time, bool, error)
	RecordTrigger(ctx context.Context, ruleID, deviceID string, at time.Time) error
	InsertAlert(ctx context.Context, rec *alert.Record) (bool, error)
	GetAlert(ctx context.Context, alertID string) (*alert.Record, error)
	FindOpenAlert(ctx context.Context, ruleID, deviceID string) (*alert.Record, error)
	UpdateAlertLifecycle(ctx context.Context, rec *alert.Record, from alert.Status) error
	ListAlerts(ctx context.Context, f alert.Filter) ([]*alert.Record, error)
	DeleteClosedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher delivers a new alert and returns its aggregate notification status.
type Dispatcher interface {
	Send(ctx context.Context, rec *alert.Record) (alert.NotificationStatus, error)
}

// Broadcaster pushes lifecycle changes to realtime subscribers.
type Broadcaster interface {
	BroadcastStatusUpdate(rec *alert.Record, actor, note string) int
}

// Options configures a Manager. Nil fields take working defaults.
type Options struct {
	Locker      locker.Locker
	Engine      *engine.Engine
	Dispatcher  Dispatcher
	Publisher   events.Publisher
	Broadcaster Broadcaster
	Metrics     metrics.Recorder
	Provider    analysis.Provider

	// DeviceTimeout bounds one analysis fetch.
	DeviceTimeout time.Duration
	// IncludeSuppressedInStats counts SUPPRESSED records in totals and level counts.
	IncludeSuppressedInStats bool

	Now func() time.Time
}

// Manager is the alert manager.
type Manager struct {
	store       Store
	locker      locker.Locker
	engine      *engine.Engine
	dispatcher  Dispatcher
	publisher   events.Publisher
	broadcaster Broadcaster
	metrics     metrics.Recorder
	provider    analysis.Provider

	deviceTimeout     time.Duration
	includeSuppressed bool
	now               func() time.Time
}

type noBroadcast struct{}

func (noBroadcast) BroadcastStatusUpdate(*alert.Record, string, string) int { return 0 }

// New creates a manager over store.
func New(store Store, opts Options) *Manager {
	m := &Manager{
		store:             store,
		locker:            opts.Locker,
		engine:            opts.Engine,
		dispatcher:        opts.Dispatcher,
		publisher:         opts.Publisher,
		broadcaster:       opts.Broadcaster,
		metrics:           metrics.OrNoOp(opts.Metrics),
		provider:          opts.Provider,
		deviceTimeout:     opts.DeviceTimeout,
		includeSuppressed: opts.IncludeSuppressedInStats,
		now:               opts.Now,
	}
	if m.locker == nil {
		m.locker = locker.NewLocal()
	}
	if m.engine == nil {
		m.engine = engine.New()
	}
	if m.publisher == nil {
		m.publisher = events.NoOp{}
	}
	if m.broadcaster == nil {
		m.broadcaster = noBroadcast{}
	}
	if m.deviceTimeout <= 0 {
		m.deviceTimeout = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SeedRules validates and stores rules, stopping at the first invalid one.
func (m *Manager) SeedRules(ctx context.Context, rules []*alert.Rule) error {
	for _, rule := range rules {
		if err := m.store.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}
	slog.Info("Seeded alert rules", "count", len(rules))
	return nil
}

// ============================================================================
// Evaluation
// ============================================================================

// EvaluateDevice fetches the latest analysis outcome for deviceID and
// processes it. An unreachable provider yields an error wrapping
// analysis.ErrNotAvailable or the provider's error; nothing is evaluated.
func (m *Manager) EvaluateDevice(ctx context.Context, deviceID string) ([]*alert.Record, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("%w: no analysis provider configured", analysis.ErrNotAvailable)
	}

	fctx, cancel := context.WithTimeout(ctx, m.deviceTimeout)
	outcome, err := m.provider.FetchLatest(fctx, deviceID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch analysis for device %s: %w", deviceID, err)
	}
	return m.ProcessAnalysisResult(ctx, deviceID, outcome)
}

// ProcessAnalysisResult maps outcome into a snapshot and evaluates every
// active rule for deviceID against it. It returns the records created,
// SUPPRESSED ones included. A failure on one rule is logged and does not
// stop the others.
func (m *Manager) ProcessAnalysisResult(ctx context.Context, deviceID string, outcome *analysis.Outcome) ([]*alert.Record, error) {
	if outcome == nil {
		return nil, fmt.Errorf("%w: empty outcome for device %s", analysis.ErrNotAvailable, deviceID)
	}
	return m.ProcessSnapshot(ctx, outcome.Snapshot(deviceID, m.now()))
}

// ProcessSnapshot evaluates every active rule for the snapshot's device.
func (m *Manager) ProcessSnapshot(ctx context.Context, snap *alert.Snapshot) ([]*alert.Record, error) {
	start := time.Now()
	rules, err := m.store.ListActiveRulesForDevice(ctx, snap.DeviceID)
	if err != nil {
		m.metrics.RecordError()
		return nil, fmt.Errorf("failed to load rules for device %s: %w", snap.DeviceID, err)
	}

	var records []*alert.Record
	for _, rule := range rules {
		rec, err := m.evaluateRule(ctx, rule, snap)
		if err != nil {
			m.metrics.RecordError()
			slog.Error("Failed to process rule",
				"rule_id", rule.ID,
				"device_id", snap.DeviceID,
				"error", err,
			)
			continue
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	m.metrics.RecordEvaluation(time.Since(start))

	for _, rec := range records {
		if rec.Status == alert.StatusActive {
			m.dispatch(ctx, rec)
		}
	}
	return records, nil
}

// evaluateRule runs one rule under the (rule, device) lock and applies
// suppression, then deduplication. It returns the created record or nil.
func (m *Manager) evaluateRule(ctx context.Context, rule *alert.Rule, snap *alert.Snapshot) (*alert.Record, error) {
	unlock, err := m.locker.Lock(ctx, locker.Key(rule.ID, snap.DeviceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.now()
	if !m.engine.Due(rule, snap.DeviceID, now) {
		slog.Debug("Rule checked within its interval, skipping",
			"rule_id", rule.ID,
			"device_id", snap.DeviceID,
			"check_interval_minutes", rule.CheckIntervalMinutes,
		)
		return nil, nil
	}

	res := m.engine.Evaluate(rule, snap)
	if !res.Triggered {
		return nil, nil
	}

	rec := newRecord(rule, snap, res, now)

	last, ok, err := m.store.LastTriggered(ctx, rule.ID, snap.DeviceID)
	if err != nil {
		return nil, err
	}
	window := time.Duration(rule.SuppressionMinutes) * time.Minute
	if ok && now.Sub(last) < window {
		rec.Status = alert.StatusSuppressed
		if _, err := m.store.InsertAlert(ctx, rec); err != nil {
			return nil, err
		}
		slog.Info("Alert suppressed",
			"alert_id", rec.ID,
			"rule_id", rule.ID,
			"device_id", snap.DeviceID,
			"last_triggered", last,
		)
		m.metrics.RecordAlert(rec.Status)
		m.publish(ctx, events.TypeAlertSuppressed, rec, "", "")
		return rec, nil
	}

	open, err := m.store.FindOpenAlert(ctx, rule.ID, snap.DeviceID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		slog.Debug("Open alert already exists, dropping firing",
			"alert_id", open.ID,
			"rule_id", rule.ID,
			"device_id", snap.DeviceID,
		)
		m.metrics.IncrementCustom("firing_dropped")
		return nil, nil
	}

	inserted, err := m.store.InsertAlert(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		m.metrics.IncrementCustom("firing_dropped")
		return nil, nil
	}
	if err := m.store.RecordTrigger(ctx, rule.ID, snap.DeviceID, now); err != nil {
		m.metrics.RecordError()
		slog.Error("Failed to record trigger time",
			"alert_id", rec.ID,
			"rule_id", rule.ID,
			"device_id", snap.DeviceID,
			"error", err,
		)
	}

	slog.Info("Alert raised",
		"alert_id", rec.ID,
		"rule_id", rule.ID,
		"device_id", snap.DeviceID,
		"level", rec.Level,
		"confidence", rec.Confidence,
	)
	m.metrics.RecordAlert(rec.Status)
	m.publish(ctx, events.TypeAlertCreated, rec, "", "")
	return rec, nil
}

func newRecord(rule *alert.Rule, snap *alert.Snapshot, res engine.Result, now time.Time) *alert.Record {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}

	info := make(map[string]any, len(snap.Extended)+4)
	for k, v := range snap.Extended {
		info[k] = v
	}
	if res.Metric != "" {
		info["metric"] = res.Metric
	}
	if len(res.Evaluated) > 0 {
		info["evaluated_metrics"] = res.Evaluated
	}
	if res.Recommendation != "" {
		info["recommendation"] = res.Recommendation
	}
	info["consecutive_evaluations"] = res.Consecutive

	return &alert.Record{
		ID:                 alert.NewID(now),
		RuleID:             rule.ID,
		DeviceID:           snap.DeviceID,
		Level:              res.Severity,
		Title:              fmt.Sprintf("[%s] Device %s %s", res.Severity, snap.DeviceID, name),
		Content:            recordContent(res),
		TriggeredValue:     res.TriggeredValue,
		ThresholdValue:     res.ThresholdValue,
		Confidence:         res.Confidence,
		AlertTime:          now,
		Status:             alert.StatusActive,
		NotificationStatus: alert.NotificationPending,
		ExtendedInfo:       info,
		UpdatedAt:          now,
	}
}

func recordContent(res engine.Result) string {
	var sb strings.Builder
	sb.WriteString(res.Message)
	if res.TriggeredValue != nil && res.ThresholdValue != nil {
		sb.WriteString("; current value ")
		sb.WriteString(strconv.FormatFloat(*res.TriggeredValue, 'f', -1, 64))
		sb.WriteString(" / threshold ")
		sb.WriteString(strconv.FormatFloat(*res.ThresholdValue, 'f', -1, 64))
	}
	if res.Recommendation != "" {
		sb.WriteString(". Recommendation: ")
		sb.WriteString(res.Recommendation)
	}
	return sb.String()
}

func (m *Manager) dispatch(ctx context.Context, rec *alert.Record) {
	if m.dispatcher == nil {
		return
	}
	status, err := m.dispatcher.Send(ctx, rec.Clone())
	if err != nil {
		m.metrics.RecordError()
		slog.Error("Failed to dispatch alert notification",
			"alert_id", rec.ID,
			"error", err,
		)
		return
	}
	rec.NotificationStatus = status
}

func (m *Manager) publish(ctx context.Context, t events.Type, rec *alert.Record, actor, note string) {
	if err := m.publisher.Publish(ctx, events.FromRecord(t, rec, actor, note, m.now())); err != nil {
		slog.Warn("Failed to publish alert event",
			"alert_id", rec.ID,
			"event_type", t,
			"error", err,
		)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(ctx context.Context, alertID, by, note string) (*alert.Record, error) {
	return m.transition(ctx, alertID, by, note, (*alert.Record).Acknowledge)
}

// Resolve moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED.
func (m *Manager) Resolve(ctx context.Context, alertID, by, note string) (*alert.Record, error) {
	return m.transition(ctx, alertID, by, note, (*alert.Record).Resolve)
}

// MarkFalsePositive moves an ACTIVE or ACKNOWLEDGED alert to FALSE_POSITIVE.
func (m *Manager) MarkFalsePositive(ctx context.Context, alertID, by, note string) (*alert.Record, error) {
	return m.transition(ctx, alertID, by, note, (*alert.Record).MarkFalsePositive)
}

// transition applies a lifecycle move under the alert's (rule, device) lock,
// so it is linearized against dedup checks on the same key.
func (m *Manager) transition(ctx context.Context, alertID, by, note string,
	apply func(*alert.Record, string, string, time.Time) error) (*alert.Record, error) {
	rec, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock(ctx, locker.Key(rec.RuleID, rec.DeviceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err = m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	from := rec.Status
	if err := apply(rec, by, note, m.now()); err != nil {
		return nil, err
	}
	if err := m.store.UpdateAlertLifecycle(ctx, rec, from); err != nil {
		if !errors.Is(err, alert.ErrInvalidTransition) && !errors.Is(err, alert.ErrNotFound) {
			m.metrics.RecordError()
		}
		return nil, err
	}

	slog.Info("Alert status changed",
		"alert_id", rec.ID,
		"from", from,
		"status", rec.Status,
		"by", by,
	)
	m.metrics.RecordAlert(rec.Status)
	m.publish(ctx, events.TypeForStatus(rec.Status), rec, by, note)
	m.broadcaster.BroadcastStatusUpdate(rec, by, note)
	return rec, nil
}

// ============================================================================
// Queries
// ============================================================================

// GetActiveAlerts returns ACTIVE and ACKNOWLEDGED alerts, optionally for one device.
func (m *Manager) GetActiveAlerts(ctx context.Context, deviceID string) ([]*alert.Record, error) {
	return m.store.ListAlerts(ctx, alert.Filter{DeviceID: deviceID, Statuses: alert.OpenStatuses})
}

// GetAlert returns one alert.
func (m *Manager) GetAlert(ctx context.Context, alertID string) (*alert.Record, error) {
	return m.store.GetAlert(ctx, alertID)
}

// PurgeExpired deletes closed alerts raised before now-retention, together
// with their delivery rows. Open alerts are kept regardless of age.
func (m *Manager) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %v", retention)
	}
	cutoff := m.now().Add(-retention)
	n, err := m.store.DeleteClosedAlertsBefore(ctx, cutoff)
	if err != nil {
		m.metrics.RecordError()
		return 0, err
	}
	slog.Info("Purged expired alerts", "deleted", n, "cutoff", cutoff)
	return n, nil
}
