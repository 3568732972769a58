package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is a fired (or suppressed) alert for one rule on one device.
type Record struct {
	ID             string    `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	DeviceID       string    `json:"device_id"`
	Level          Level     `json:"alert_level"`
	Title          string    `json:"alert_title"`
	Content        string    `json:"alert_content"`
	TriggeredValue *float64  `json:"triggered_value,omitempty"`
	ThresholdValue *float64  `json:"threshold_value,omitempty"`
	Confidence     float64   `json:"confidence_score"`
	AlertTime      time.Time `json:"alert_time"`
	Status         Status    `json:"status"`

	Confirmed   bool       `json:"is_confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_time,omitempty"`
	ConfirmedBy string     `json:"confirmed_by,omitempty"`
	ConfirmNote string     `json:"confirm_note,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_time,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolveNote string     `json:"resolve_note,omitempty"`

	NotificationStatus NotificationStatus `json:"notification_status"`
	ExtendedInfo       map[string]any     `json:"extended_info,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewID generates an alert ID of the form ALERT_<unix millis>_<8 hex chars>.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("ALERT_%d_%s", now.UnixMilli(), suffix)
}

// DurationMinutes returns the minutes from AlertTime to ResolvedAt, or to now while unresolved.
func (r *Record) DurationMinutes(now time.Time) int64 {
	end := now
	if r.ResolvedAt != nil {
		end = *r.ResolvedAt
	}
	if end.Before(r.AlertTime) {
		return 0
	}
	return int64(end.Sub(r.AlertTime) / time.Minute)
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (r *Record) Acknowledge(by, note string, now time.Time) error {
	if r.Status != StatusActive {
		return r.transitionError("acknowledge")
	}
	r.Status = StatusAcknowledged
	r.Confirmed = true
	r.ConfirmedAt = &now
	r.ConfirmedBy = by
	r.ConfirmNote = note
	r.UpdatedAt = now
	return nil
}

// Resolve moves an ACTIVE or ACKNOWLEDGED alert to RESOLVED.
func (r *Record) Resolve(by, note string, now time.Time) error {
	if !r.Status.IsOpen() {
		return r.transitionError("resolve")
	}
	r.Status = StatusResolved
	r.ResolvedAt = &now
	r.ResolvedBy = by
	r.ResolveNote = note
	r.UpdatedAt = now
	return nil
}

// MarkFalsePositive moves an ACTIVE or ACKNOWLEDGED alert to FALSE_POSITIVE.
func (r *Record) MarkFalsePositive(by, note string, now time.Time) error {
	if !r.Status.IsOpen() {
		return r.transitionError("mark false positive")
	}
	r.Status = StatusFalsePositive
	r.ResolvedAt = &now
	r.ResolvedBy = by
	r.ResolveNote = note
	r.UpdatedAt = now
	return nil
}

func (r *Record) transitionError(action string) error {
	return fmt.Errorf("%w: cannot %s alert %s in status %s", ErrInvalidTransition, action, r.ID, r.Status)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.TriggeredValue = cloneFloat(r.TriggeredValue)
	c.ThresholdValue = cloneFloat(r.ThresholdValue)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.ResolvedAt = cloneTime(r.ResolvedAt)
	if r.ExtendedInfo != nil {
		c.ExtendedInfo = make(map[string]any, len(r.ExtendedInfo))
		for k, v := range r.ExtendedInfo {
			c.ExtendedInfo[k] = v
		}
	}
	return &c
}

// Delivery is the outcome of one delivery attempt on one channel.
type Delivery struct {
	ID          int64              `json:"delivery_id"`
	AlertID     string             `json:"alert_id"`
	Method      Method             `json:"method"`
	Recipients  []string           `json:"recipients,omitempty"`
	Status      NotificationStatus `json:"status"`
	Attempt     int                `json:"attempt"`
	Error       string             `json:"error,omitempty"`
	AttemptedAt time.Time          `json:"attempted_at"`
}

// Filter selects alert records. Zero-valued fields do not filter.
type Filter struct {
	DeviceID             string
	RuleID               string
	Statuses             []Status
	NotificationStatuses []NotificationStatus
	Since                time.Time
	Until                time.Time

	// RetryableBelow, when positive, keeps only alerts with a channel whose
	// deliveries all failed and number fewer than RetryableBelow attempts.
	// It is applied by the stores, not by Match.
	RetryableBelow int
}

// HasRetryableChannel reports whether some method in deliveries has never
// succeeded and has used fewer than maxAttempts attempts.
func HasRetryableChannel(deliveries []Delivery, maxAttempts int) bool {
	type channel struct {
		attempts  int
		succeeded bool
	}
	byMethod := make(map[Method]*channel)
	for _, d := range deliveries {
		c, ok := byMethod[d.Method]
		if !ok {
			c = &channel{}
			byMethod[d.Method] = c
		}
		c.attempts = max(c.attempts, d.Attempt)
		c.succeeded = c.succeeded || d.Status == NotificationSuccess
	}
	for _, c := range byMethod {
		if !c.succeeded && c.attempts < maxAttempts {
			return true
		}
	}
	return false
}

// Match reports whether the record satisfies the filter.
func (f Filter) Match(r *Record) bool {
	if f.DeviceID != "" && r.DeviceID != f.DeviceID {
		return false
	}
	if f.RuleID != "" && r.RuleID != f.RuleID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if len(f.NotificationStatuses) > 0 && !containsNotificationStatus(f.NotificationStatuses, r.NotificationStatus) {
		return false
	}
	if !f.Since.IsZero() && r.AlertTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.AlertTime.Before(f.Until) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsNotificationStatus(list []NotificationStatus, s NotificationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
