package manager

import (
	"context"
	"fmt"
	"time"

	"alerting/internal/alert"
)

// Statistics aggregates alert records raised in a window.
type Statistics struct {
	DeviceID               string               `json:"device_id,omitempty"`
	Since                  time.Time            `json:"since"`
	Until                  time.Time            `json:"until,omitempty"`
	TotalAlerts            int                  `json:"total_alerts"`
	StatusCounts           map[alert.Status]int `json:"status_counts"`
	LevelCounts            map[alert.Level]int  `json:"level_counts"`
	UnconfirmedCount       int                  `json:"unconfirmed_count"`
	AverageDurationMinutes float64              `json:"average_duration_minutes"`
	SuppressedIncluded     bool                 `json:"suppressed_included"`
}

// GetStatistics aggregates alerts with alert time at or after since,
// optionally for one device. SUPPRESSED records always appear in
// StatusCounts; they count toward TotalAlerts, LevelCounts and the average
// duration only when the manager was configured to include them.
func (m *Manager) GetStatistics(ctx context.Context, deviceID string, since time.Time) (*Statistics, error) {
	return m.GetStatisticsWindow(ctx, deviceID, since, time.Time{})
}

// GetStatisticsWindow is GetStatistics bounded to [since, until).
func (m *Manager) GetStatisticsWindow(ctx context.Context, deviceID string, since, until time.Time) (*Statistics, error) {
	records, err := m.store.ListAlerts(ctx, alert.Filter{DeviceID: deviceID, Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	stats := &Statistics{
		DeviceID:           deviceID,
		Since:              since,
		Until:              until,
		StatusCounts:       make(map[alert.Status]int),
		LevelCounts:        make(map[alert.Level]int),
		SuppressedIncluded: m.includeSuppressed,
	}
	now := m.now()
	var totalMinutes int64
	for _, rec := range records {
		stats.StatusCounts[rec.Status]++
		if rec.Status == alert.StatusSuppressed && !m.includeSuppressed {
			continue
		}
		stats.TotalAlerts++
		stats.LevelCounts[rec.Level]++
		if rec.Status.IsOpen() && !rec.Confirmed {
			stats.UnconfirmedCount++
		}
		totalMinutes += rec.DurationMinutes(now)
	}
	if stats.TotalAlerts > 0 {
		stats.AverageDurationMinutes = float64(totalMinutes) / float64(stats.TotalAlerts)
	}
	return stats, nil
}
