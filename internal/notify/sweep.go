package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"alerting/internal/alert"
)

// RetrySummary reports the outcome of one retry sweep.
type RetrySummary struct {
	Scanned   int `json:"scanned"`
	Retried   int `json:"retried"`
	Recovered int `json:"recovered"`
	Exhausted int `json:"exhausted"`
	Errors    int `json:"errors"`
}

// RetryFailedNotifications re-attempts the failed channels of every alert
// whose notification status is FAILED or PARTIAL. Channels that succeeded are
// not attempted again, and a channel stops being retried once it has used
// MaxAttempts attempts; alerts with no such channel left are not listed.
// Failures of one alert never stop the sweep.
func (d *Dispatcher) RetryFailedNotifications(ctx context.Context) (*RetrySummary, error) {
	records, err := d.store.ListAlerts(ctx, alert.Filter{
		NotificationStatuses: []alert.NotificationStatus{alert.NotificationFailed, alert.NotificationPartial},
		RetryableBelow:       d.cfg.MaxAttempts,
	})
	if err != nil {
		d.metrics.RecordError()
		return nil, fmt.Errorf("failed to list alerts needing retry: %w", err)
	}

	summary := &RetrySummary{Scanned: len(records)}
	if len(records) == 0 {
		return summary, nil
	}
	slog.Info("Starting notification retry sweep", "alerts", len(records), "workers", d.cfg.RetryWorkers)

	var mu sync.Mutex
	jobs := make(chan *alert.Record, d.cfg.RetryWorkers*2)
	var wg sync.WaitGroup

	for i := 0; i < d.cfg.RetryWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				res, err := d.retryOne(ctx, rec.ID)
				mu.Lock()
				switch {
				case err != nil:
					summary.Errors++
					slog.Error("Failed to retry notification", "alert_id", rec.ID, "error", err)
				case res == retryExhausted:
					summary.Exhausted++
				case res == retryRecovered:
					summary.Retried++
					summary.Recovered++
				case res == retryAttempted:
					summary.Retried++
				}
				mu.Unlock()
			}
		}()
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		jobs <- rec
	}
	close(jobs)
	wg.Wait()

	slog.Info("Notification retry sweep completed",
		"scanned", summary.Scanned,
		"retried", summary.Retried,
		"recovered", summary.Recovered,
		"exhausted", summary.Exhausted,
		"errors", summary.Errors,
	)
	return summary, ctx.Err()
}

type retryResult int

const (
	retrySkipped retryResult = iota
	retryExhausted
	retryAttempted
	retryRecovered
)

// retryOne re-attempts the failed channels of one alert under its record lock.
func (d *Dispatcher) retryOne(ctx context.Context, alertID string) (retryResult, error) {
	unlock, err := d.locks.Lock(ctx, alertID)
	if err != nil {
		return retrySkipped, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent Send may have settled the status.
	rec, err := d.store.GetAlert(ctx, alertID)
	if err != nil {
		return retrySkipped, err
	}
	if !rec.NotificationStatus.NeedsRetry() {
		return retrySkipped, nil
	}

	history, err := d.store.ListDeliveries(ctx, alertID)
	if err != nil {
		return retrySkipped, err
	}
	latest := LatestByMethod(history)

	failed := make(map[alert.Method]bool)
	for method, del := range latest {
		if del.Status == alert.NotificationFailed && del.Attempt < d.cfg.MaxAttempts {
			failed[method] = true
		}
	}
	if len(failed) == 0 {
		slog.Debug("No retryable channels left", "alert_id", alertID)
		return retryExhausted, nil
	}

	rule, err := d.store.GetRule(ctx, rec.RuleID)
	if err != nil {
		return retrySkipped, fmt.Errorf("failed to load rule for alert %s: %w", alertID, err)
	}
	targets := d.targets(rule, rec, failed)
	if len(targets) == 0 {
		return retryExhausted, nil
	}

	status, err := d.deliver(ctx, rec, targets, latest)
	if err != nil {
		return retrySkipped, err
	}
	if status == alert.NotificationSuccess {
		return retryRecovered, nil
	}
	return retryAttempted, nil
}

// LatestByMethod returns the delivery with the highest attempt per method.
// Ties are broken by the later ID.
func LatestByMethod(deliveries []alert.Delivery) map[alert.Method]alert.Delivery {
	latest := make(map[alert.Method]alert.Delivery)
	for _, del := range deliveries {
		cur, ok := latest[del.Method]
		if !ok || del.Attempt > cur.Attempt || (del.Attempt == cur.Attempt && del.ID > cur.ID) {
			latest[del.Method] = del
		}
	}
	return latest
}
