// Package report builds the daily alert report and hands it to reporting sinks.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/manager"
	"alerting/internal/notify"
)

const (
	// KeyPrefix is the Redis key prefix for daily reports.
	KeyPrefix = "reports:daily:"
	// DefaultTTL is how long a daily report is kept in Redis.
	DefaultTTL = 30 * 24 * time.Hour

	dateLayout = "2006-01-02"
)

// Report aggregates one window of alert and notification statistics.
type Report struct {
	Date          string              `json:"date"`
	Since         time.Time           `json:"since"`
	Until         time.Time           `json:"until"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Alerts        *manager.Statistics `json:"alerts"`
	Notifications *notify.Statistics  `json:"notifications"`
}

// Sink accepts a finished report.
type Sink interface {
	Deliver(ctx context.Context, r *Report) error
}

// AlertStats is the alert statistics source, implemented by *manager.Manager.
type AlertStats interface {
	GetStatisticsWindow(ctx context.Context, deviceID string, since, until time.Time) (*manager.Statistics, error)
}

// NotificationStats is the delivery statistics source, implemented by *notify.Dispatcher.
type NotificationStats interface {
	GetStatisticsWindow(ctx context.Context, since, until time.Time) (*notify.Statistics, error)
}

// Build aggregates [since, until) from both sources.
func Build(ctx context.Context, alerts AlertStats, notifications NotificationStats, since, until, now time.Time) (*Report, error) {
	alertStats, err := alerts.GetStatisticsWindow(ctx, "", since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alert statistics: %w", err)
	}
	notificationStats, err := notifications.GetStatisticsWindow(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate notification statistics: %w", err)
	}
	return &Report{
		Date:          since.Format(dateLayout),
		Since:         since,
		Until:         until,
		GeneratedAt:   now,
		Alerts:        alertStats,
		Notifications: notificationStats,
	}, nil
}

// PreviousDay returns the calendar day before now, [00:00, 24:00) in now's location.
func PreviousDay(now time.Time) (since, until time.Time) {
	until = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return until.AddDate(0, 0, -1), until
}

// Deliver sends r to every sink. A failing sink does not stop the others;
// the failures are joined into the returned error.
func Deliver(ctx context.Context, r *Report, sinks ...Sink) error {
	var errs []error
	for _, s := range sinks {
		if err := s.Deliver(ctx, r); err != nil {
			slog.Error("Failed to deliver report", "date", r.Date, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes a report summary to the structured log.
type LogSink struct{}

// Deliver implements Sink.
func (LogSink) Deliver(ctx context.Context, r *Report) error {
	attrs := []any{"date", r.Date}
	if r.Alerts != nil {
		attrs = append(attrs,
			"total_alerts", r.Alerts.TotalAlerts,
			"unconfirmed", r.Alerts.UnconfirmedCount,
			"avg_duration_minutes", r.Alerts.AverageDurationMinutes,
		)
	}
	if r.Notifications != nil {
		attrs = append(attrs,
			"delivery_attempts", r.Notifications.Total.Attempts,
			"delivery_failures", r.Notifications.Total.Failures,
		)
	}
	slog.Info("Daily alert report", attrs...)
	return nil
}

// RedisSink stores reports as JSON under reports:daily:<date>.
type RedisSink struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisSink creates a sink writing to rdb. A non-positive ttl uses DefaultTTL.
func NewRedisSink(rdb *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSink{rdb: rdb, ttl: ttl}
}

// Deliver implements Sink.
func (s *RedisSink) Deliver(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	key := KeyPrefix + r.Date
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write report to Redis: %w", err)
	}
	slog.Debug("Report written to Redis", "key", key)
	return nil
}

// Read retrieves the report stored for date (YYYY-MM-DD).
func Read(ctx context.Context, rdb *redis.Client, date string) (*Report, error) {
	data, err := rdb.Get(ctx, KeyPrefix+date).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no report found for %s", date)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &r, nil
}
