package notify

import (
	"context"
	"fmt"
	"time"

	"alerting/internal/alert"
)

// ChannelStats counts delivery attempts on one channel.
type ChannelStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Statistics summarizes notifications for alerts raised in a window.
type Statistics struct {
	Since        time.Time                        `json:"since"`
	Until        time.Time                        `json:"until,omitempty"`
	Channels     map[alert.Method]*ChannelStats   `json:"channels"`
	StatusCounts map[alert.NotificationStatus]int `json:"status_counts"`
	Total        ChannelStats                     `json:"total"`
}

// GetStatistics counts delivery attempts per channel and aggregate statuses
// for alerts with alert time at or after since.
func (d *Dispatcher) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	return d.GetStatisticsWindow(ctx, since, time.Time{})
}

// GetStatisticsWindow is GetStatistics bounded to [since, until). A zero
// until leaves the window open.
func (d *Dispatcher) GetStatisticsWindow(ctx context.Context, since, until time.Time) (*Statistics, error) {
	f := alert.Filter{Since: since, Until: until}

	deliveries, err := d.store.ListDeliveriesForAlerts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	records, err := d.store.ListAlerts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	stats := &Statistics{
		Since:        since,
		Until:        until,
		Channels:     make(map[alert.Method]*ChannelStats),
		StatusCounts: make(map[alert.NotificationStatus]int),
	}
	for _, del := range deliveries {
		cs, ok := stats.Channels[del.Method]
		if !ok {
			cs = &ChannelStats{}
			stats.Channels[del.Method] = cs
		}
		cs.Attempts++
		stats.Total.Attempts++
		if del.Status == alert.NotificationSuccess {
			cs.Successes++
			stats.Total.Successes++
		} else {
			cs.Failures++
			stats.Total.Failures++
		}
	}
	for _, rec := range records {
		stats.StatusCounts[rec.NotificationStatus]++
	}
	return stats, nil
}
