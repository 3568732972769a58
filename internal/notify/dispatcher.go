// Package notify provides the notification dispatcher. It fans an alert out
// to the channels configured on its rule, records one delivery row per
// channel attempt and derives the alert's aggregate notification status
// from the latest outcome of each channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alerting/internal/alert"
	"alerting/internal/events"
	"alerting/internal/locker"
	"alerting/internal/metrics"
	"alerting/internal/notify/content"
	"alerting/internal/notify/retry"
	"alerting/internal/notify/strategy"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetRule(ctx context.Context, ruleID string) (*alert.Rule, error)
	GetAlert(ctx context.Context, alertID string) (*alert.Record, error)
	UpdateNotificationStatus(ctx context.Context, alertID string, status alert.NotificationStatus) error
	InsertDelivery(ctx context.Context, d *alert.Delivery) error
	ListDeliveries(ctx context.Context, alertID string) ([]alert.Delivery, error)
	ListAlerts(ctx context.Context, f alert.Filter) ([]*alert.Record, error)
	ListDeliveriesForAlerts(ctx context.Context, f alert.Filter) ([]alert.Delivery, error)
}

// Config controls dispatch timing and the retry sweep.
type Config struct {
	ChannelTimeout time.Duration // Bound on one channel send including in-call retries
	Retry          retry.Config  // In-call retry of transient channel errors
	MaxAttempts    int           // Per-channel attempt cap for the retry sweep
	RetryWorkers   int           // Concurrent records in one retry sweep
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		ChannelTimeout: 30 * time.Second,
		Retry:          retry.DefaultConfig(),
		MaxAttempts:    5,
		RetryWorkers:   10,
	}
}

// Dispatcher delivers alerts through the registered channels.
type Dispatcher struct {
	store     Store
	channels  *strategy.Registry
	cfg       Config
	locks     *locker.Local
	metrics   metrics.Recorder
	publisher events.Publisher
	now       func() time.Time
}

// New creates a dispatcher. Zero-valued config fields take their defaults.
func New(store Store, channels *strategy.Registry, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = def.ChannelTimeout
	}
	if cfg.Retry.BackoffFactor == 0 {
		cfg.Retry = def.Retry
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryWorkers <= 0 {
		cfg.RetryWorkers = def.RetryWorkers
	}
	return &Dispatcher{
		store:     store,
		channels:  channels,
		cfg:       cfg,
		locks:     locker.NewLocal(),
		metrics:   metrics.NoOp{},
		publisher: events.NoOp{},
		now:       time.Now,
	}
}

// SetMetrics sets the metrics recorder.
func (d *Dispatcher) SetMetrics(m metrics.Recorder) {
	d.metrics = metrics.OrNoOp(m)
}

// SetPublisher sets the publisher notified of aggregate status changes.
func (d *Dispatcher) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.NoOp{}
	}
	d.publisher = p
}

// target is one channel attempt to make.
type target struct {
	method     alert.Method
	channel    strategy.Channel
	recipients []string
}

// outcome is the result of one channel attempt.
type outcome struct {
	method alert.Method
	err    error
}

// Send delivers rec on every method of its rule and returns the resulting
// aggregate status. Channel failures are recorded, not returned; an error
// means the rule or the status could not be read or written.
func (d *Dispatcher) Send(ctx context.Context, rec *alert.Record) (alert.NotificationStatus, error) {
	unlock, err := d.locks.Lock(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	rule, err := d.store.GetRule(ctx, rec.RuleID)
	if err != nil {
		d.metrics.RecordError()
		return "", fmt.Errorf("failed to load rule for alert %s: %w", rec.ID, err)
	}
	return d.deliver(ctx, rec, d.targets(rule, rec, nil), nil)
}

// targets resolves the channels for rule. When only is non-nil, methods not
// in it are left out.
func (d *Dispatcher) targets(rule *alert.Rule, rec *alert.Record, only map[alert.Method]bool) []target {
	var targets []target
	for _, method := range alert.ExpandMethods(rule.NotificationMethods) {
		if only != nil && !only[method] {
			continue
		}
		var recipients []string
		switch method {
		case alert.MethodEmail:
			recipients = rule.EmailRecipients
		case alert.MethodSMS:
			recipients = rule.SMSRecipients
		}
		if method != alert.MethodWebSocket && len(recipients) == 0 {
			slog.Debug("No recipients configured, skipping channel",
				"alert_id", rec.ID,
				"rule_id", rule.ID,
				"method", method,
			)
			continue
		}
		ch, ok := d.channels.Get(method)
		if !ok {
			slog.Warn("No channel registered for notification method, skipping",
				"alert_id", rec.ID,
				"method", method,
			)
			continue
		}
		targets = append(targets, target{method: method, channel: ch, recipients: recipients})
	}
	return targets
}

// deliver attempts every target concurrently and stores the new aggregate
// status. previous holds the latest earlier delivery per method.
func (d *Dispatcher) deliver(ctx context.Context, rec *alert.Record, targets []target, previous map[alert.Method]alert.Delivery) (alert.NotificationStatus, error) {
	if len(targets) > 0 {
		if err := d.store.UpdateNotificationStatus(ctx, rec.ID, alert.NotificationSending); err != nil {
			d.metrics.RecordError()
			return "", fmt.Errorf("failed to mark alert %s as sending: %w", rec.ID, err)
		}
	}

	rendered := content.Build(rec)
	latest := make(map[alert.Method]alert.Delivery, len(previous)+len(targets))
	for m, del := range previous {
		latest[m] = del
	}

	outcomes := make([]outcome, len(targets))
	deliveries := make([]alert.Delivery, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			msg := &strategy.Message{
				Record:     rec,
				Recipients: t.recipients,
				Subject:    rendered.Subject,
				Body:       rendered.Body,
				HTML:       rendered.HTML,
			}
			err := d.sendOne(ctx, t, msg)
			outcomes[i] = outcome{method: t.method, err: err}

			del := alert.Delivery{
				AlertID:     rec.ID,
				Method:      t.method,
				Recipients:  t.recipients,
				Status:      alert.NotificationSuccess,
				Attempt:     previous[t.method].Attempt + 1,
				AttemptedAt: d.now(),
			}
			if err != nil {
				del.Status = alert.NotificationFailed
				del.Error = err.Error()
			}
			if err := d.store.InsertDelivery(ctx, &del); err != nil {
				d.metrics.RecordError()
				slog.Error("Failed to record delivery",
					"alert_id", rec.ID,
					"method", t.method,
					"error", err,
				)
			}
			deliveries[i] = del
		}(i, t)
	}
	wg.Wait()

	for _, del := range deliveries {
		latest[del.Method] = del
	}
	statuses := make([]alert.NotificationStatus, 0, len(latest))
	for _, del := range latest {
		statuses = append(statuses, del.Status)
	}
	status := Aggregate(statuses)

	if err := d.store.UpdateNotificationStatus(ctx, rec.ID, status); err != nil {
		d.metrics.RecordError()
		return "", fmt.Errorf("failed to update notification status of alert %s: %w", rec.ID, err)
	}
	rec.NotificationStatus = status

	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
		}
	}
	slog.Info("Alert notification dispatched",
		"alert_id", rec.ID,
		"channels", len(targets),
		"failed", failed,
		"status", status,
	)

	ev := events.FromRecord(events.TypeNotificationStatus, rec, "", "", d.now())
	if err := d.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("Failed to publish notification status event", "alert_id", rec.ID, "error", err)
	}
	return status, nil
}

// sendOne runs one channel send bounded by the channel timeout.
func (d *Dispatcher) sendOne(ctx context.Context, t target, msg *strategy.Message) error {
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ChannelTimeout)
	defer cancel()

	operation := fmt.Sprintf("send_%s_%s", t.method, msg.Record.ID)
	err := retry.WithRetry(cctx, d.cfg.Retry, operation, func() error {
		return t.channel.Send(cctx, msg)
	})
	d.metrics.RecordDelivery(t.method, err == nil)
	if err != nil {
		slog.Warn("Channel delivery failed",
			"alert_id", msg.Record.ID,
			"method", t.method,
			"error", err,
		)
	}
	return err
}

// Aggregate derives an alert's notification status from per-channel
// outcomes: SUCCESS when every channel succeeded (or none was attempted),
// FAILED when none did, PARTIAL otherwise.
func Aggregate(statuses []alert.NotificationStatus) alert.NotificationStatus {
	succeeded := 0
	for _, s := range statuses {
		if s == alert.NotificationSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(statuses):
		return alert.NotificationSuccess
	case succeeded == 0:
		return alert.NotificationFailed
	default:
		return alert.NotificationPartial
	}
}
