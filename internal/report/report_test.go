package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"alerting/internal/alert"
	"alerting/internal/manager"
	"alerting/internal/notify"
)

type fakeAlertStats struct {
	since, until time.Time
	err          error
}

func (f *fakeAlertStats) GetStatisticsWindow(ctx context.Context, deviceID string, since, until time.Time) (*manager.Statistics, error) {
	f.since, f.until = since, until
	if f.err != nil {
		return nil, f.err
	}
	return &manager.Statistics{
		Since:        since,
		Until:        until,
		TotalAlerts:  3,
		StatusCounts: map[alert.Status]int{alert.StatusActive: 2, alert.StatusResolved: 1},
	}, nil
}

type fakeNotificationStats struct {
	err error
}

func (f *fakeNotificationStats) GetStatisticsWindow(ctx context.Context, since, until time.Time) (*notify.Statistics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &notify.Statistics{Since: since, Until: until, Total: notify.ChannelStats{Attempts: 4, Successes: 3, Failures: 1}}, nil
}

type recordingSink struct {
	got []*Report
	err error
}

func (s *recordingSink) Deliver(ctx context.Context, r *Report) error {
	s.got = append(s.got, r)
	return s.err
}

func TestPreviousDay(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantSince time.Time
	}{
		{
			name:      "morning",
			now:       time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC),
			wantSince: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "midnight",
			now:       time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
			wantSince: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "year boundary",
			now:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
			wantSince: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			since, until := PreviousDay(tt.now)
			if !since.Equal(tt.wantSince) {
				t.Errorf("PreviousDay() since = %v, want %v", since, tt.wantSince)
			}
			if want := tt.wantSince.AddDate(0, 0, 1); !until.Equal(want) {
				t.Errorf("PreviousDay() until = %v, want %v", until, want)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	since, until := PreviousDay(now)

	alerts := &fakeAlertStats{}
	r, err := Build(ctx, alerts, &fakeNotificationStats{}, since, until, now)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if r.Date != "2024-03-01" {
		t.Errorf("Build() date = %q, want 2024-03-01", r.Date)
	}
	if !alerts.since.Equal(since) || !alerts.until.Equal(until) {
		t.Errorf("Build() queried [%v, %v), want [%v, %v)", alerts.since, alerts.until, since, until)
	}
	if r.Alerts.TotalAlerts != 3 || r.Notifications.Total.Failures != 1 || !r.GeneratedAt.Equal(now) {
		t.Errorf("Build() = %+v", r)
	}
}

func TestBuild_Errors(t *testing.T) {
	boom := errors.New("store unavailable")
	tests := []struct {
		name          string
		alerts        *fakeAlertStats
		notifications *fakeNotificationStats
	}{
		{name: "alert statistics", alerts: &fakeAlertStats{err: boom}, notifications: &fakeNotificationStats{}},
		{name: "notification statistics", alerts: &fakeAlertStats{}, notifications: &fakeNotificationStats{err: boom}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), tt.alerts, tt.notifications, time.Time{}, time.Now(), time.Now())
			if !errors.Is(err, boom) {
				t.Errorf("Build() error = %v, want %v", err, boom)
			}
		})
	}
}

func TestDeliver(t *testing.T) {
	boom := errors.New("sink down")
	failing := &recordingSink{err: boom}
	ok := &recordingSink{}
	r := &Report{Date: "2024-03-01"}

	err := Deliver(context.Background(), r, failing, LogSink{}, ok)
	if !errors.Is(err, boom) {
		t.Errorf("Deliver() error = %v, want %v", err, boom)
	}
	if len(ok.got) != 1 || ok.got[0] != r {
		t.Errorf("sink after a failing one received %v", ok.got)
	}

	if err := Deliver(context.Background(), r, ok); err != nil {
		t.Errorf("Deliver() error = %v, want nil", err)
	}
}

func TestRedisSink(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer rdb.Close()
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping test: Redis not available: %v", err)
	}

	date := "1999-12-31"
	defer rdb.Del(ctx, KeyPrefix+date)

	r := &Report{
		Date:   date,
		Alerts: &manager.Statistics{TotalAlerts: 7},
	}
	if err := NewRedisSink(rdb, time.Minute).Deliver(ctx, r); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	got, err := Read(ctx, rdb, date)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Alerts == nil || got.Alerts.TotalAlerts != 7 {
		t.Errorf("Read() = %+v", got)
	}
	if ttl := rdb.TTL(ctx, KeyPrefix+date).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("report TTL = %v, want (0, 1m]", ttl)
	}

	if _, err := Read(ctx, rdb, "1999-01-01"); err == nil {
		t.Error("Read() of a missing date should fail")
	}
}
