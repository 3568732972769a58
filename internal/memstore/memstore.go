// Package memstore is an in-memory implementation of the alert pipeline's
// persistence contracts. It is used when no PostgreSQL DSN is configured and
// by tests. Values are copied on the way in and out so callers never share
// state with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"alerting/internal/alert"
)

type triggerKey struct {
	ruleID   string
	deviceID string
}

// Store holds rules, alert records, trigger times and delivery outcomes.
type Store struct {
	mu         sync.RWMutex
	rules      map[string]*alert.Rule
	triggers   map[triggerKey]time.Time
	alerts     map[string]*alert.Record
	deliveries []alert.Delivery
	nextID     int64
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		rules:    make(map[string]*alert.Rule),
		triggers: make(map[triggerKey]time.Time),
		alerts:   make(map[string]*alert.Record),
		now:      time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// ============================================================================
// Rule Operations
// ============================================================================

// UpsertRule validates and stores a rule, replacing any rule with the same ID.
func (s *Store) UpsertRule(ctx context.Context, rule *alert.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := rule.Clone()
	now := s.now()
	if existing, ok := s.rules[rule.ID]; ok {
		c.CreatedAt = existing.CreatedAt
		if c.LastTriggeredAt == nil {
			c.LastTriggeredAt = existing.LastTriggeredAt
		}
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.rules[rule.ID] = c
	return nil
}

// GetRule returns the rule with the given ID.
func (s *Store) GetRule(ctx context.Context, ruleID string) (*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
	}
	return r.Clone(), nil
}

// ListRules returns all rules ordered by ID.
func (s *Store) ListRules(ctx context.Context) ([]*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rules := make([]*alert.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r.Clone())
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// ListActiveRulesForDevice returns active rules scoped to deviceID or wildcard,
// highest priority first.
func (s *Store) ListActiveRulesForDevice(ctx context.Context, deviceID string) ([]*alert.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rules []*alert.Rule
	for _, r := range s.rules {
		if r.Active && r.Matches(deviceID) {
			rules = append(rules, r.Clone())
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules, nil
}

// DeleteRule removes a rule. It fails with ErrRuleInUse while open alerts reference it.
func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID]; !ok {
		return fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
	}
	for _, rec := range s.alerts {
		if rec.RuleID == ruleID && rec.Status.IsOpen() {
			return fmt.Errorf("%w: rule %s", alert.ErrRuleInUse, ruleID)
		}
	}
	delete(s.rules, ruleID)
	for k := range s.triggers {
		if k.ruleID == ruleID {
			delete(s.triggers, k)
		}
	}
	return nil
}

// LastTriggered returns when the rule last fired for the device.
func (s *Store) LastTriggered(ctx context.Context, ruleID, deviceID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.triggers[triggerKey{ruleID, deviceID}]
	return at, ok, nil
}

// RecordTrigger stores the fire time for (ruleID, deviceID) and updates the
// rule's display-only LastTriggeredAt.
func (s *Store) RecordTrigger(ctx context.Context, ruleID, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return fmt.Errorf("%w: rule %s", alert.ErrNotFound, ruleID)
	}
	s.triggers[triggerKey{ruleID, deviceID}] = at
	t := at
	r.LastTriggeredAt = &t
	return nil
}

// ============================================================================
// Alert Operations
// ============================================================================

// InsertAlert stores a new record. For an open record it returns false,
// storing nothing, when an open record already exists for the same
// (rule, device).
func (s *Store) InsertAlert(ctx context.Context, rec *alert.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[rec.ID]; ok {
		return false, fmt.Errorf("alert already exists: %s", rec.ID)
	}
	if rec.Status.IsOpen() {
		for _, existing := range s.alerts {
			if existing.RuleID == rec.RuleID && existing.DeviceID == rec.DeviceID && existing.Status.IsOpen() {
				return false, nil
			}
		}
	}
	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.AlertTime
	}
	s.alerts[rec.ID] = c
	return true, nil
}

// GetAlert returns the record with the given ID.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*alert.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("%w: alert %s", alert.ErrNotFound, alertID)
	}
	return rec.Clone(), nil
}

// FindOpenAlert returns the open record for (ruleID, deviceID), or nil when none exists.
func (s *Store) FindOpenAlert(ctx context.Context, ruleID, deviceID string) (*alert.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.alerts {
		if rec.RuleID == ruleID && rec.DeviceID == deviceID && rec.Status.IsOpen() {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

// UpdateAlertLifecycle persists the lifecycle fields of rec, provided the
// stored status is still from. The notification status is left untouched.
func (s *Store) UpdateAlertLifecycle(ctx context.Context, rec *alert.Record, from alert.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.alerts[rec.ID]
	if !ok {
		return fmt.Errorf("%w: alert %s", alert.ErrNotFound, rec.ID)
	}
	if stored.Status != from {
		return fmt.Errorf("%w: alert %s is %s, expected %s", alert.ErrInvalidTransition, rec.ID, stored.Status, from)
	}
	updated := rec.Clone()
	stored.Status = updated.Status
	stored.Confirmed = updated.Confirmed
	stored.ConfirmedAt = updated.ConfirmedAt
	stored.ConfirmedBy = updated.ConfirmedBy
	stored.ConfirmNote = updated.ConfirmNote
	stored.ResolvedAt = updated.ResolvedAt
	stored.ResolvedBy = updated.ResolvedBy
	stored.ResolveNote = updated.ResolveNote
	stored.UpdatedAt = updated.UpdatedAt
	return nil
}

// UpdateNotificationStatus sets the aggregate delivery status of an alert.
func (s *Store) UpdateNotificationStatus(ctx context.Context, alertID string, status alert.NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: alert %s", alert.ErrNotFound, alertID)
	}
	rec.NotificationStatus = status
	rec.UpdatedAt = s.now()
	return nil
}

// ListAlerts returns records matching f ordered by alert time, then ID.
func (s *Store) ListAlerts(ctx context.Context, f alert.Filter) ([]*alert.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var byAlert map[string][]alert.Delivery
	if f.RetryableBelow > 0 {
		byAlert = make(map[string][]alert.Delivery)
		for _, d := range s.deliveries {
			byAlert[d.AlertID] = append(byAlert[d.AlertID], d)
		}
	}

	var records []*alert.Record
	for _, rec := range s.alerts {
		if !f.Match(rec) {
			continue
		}
		if f.RetryableBelow > 0 && !alert.HasRetryableChannel(byAlert[rec.ID], f.RetryableBelow) {
			continue
		}
		records = append(records, rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].AlertTime.Equal(records[j].AlertTime) {
			return records[i].AlertTime.Before(records[j].AlertTime)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// DeleteClosedAlertsBefore removes non-open records older than cutoff together
// with their delivery rows and returns how many records were removed.
func (s *Store) DeleteClosedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make(map[string]bool)
	for id, rec := range s.alerts {
		if !rec.Status.IsOpen() && rec.AlertTime.Before(cutoff) {
			removed[id] = true
			delete(s.alerts, id)
		}
	}
	if len(removed) > 0 {
		kept := s.deliveries[:0]
		for _, d := range s.deliveries {
			if !removed[d.AlertID] {
				kept = append(kept, d)
			}
		}
		s.deliveries = kept
	}
	return int64(len(removed)), nil
}

// ============================================================================
// Delivery Operations
// ============================================================================

// InsertDelivery appends a delivery outcome and assigns its ID.
func (s *Store) InsertDelivery(ctx context.Context, d *alert.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[d.AlertID]; !ok {
		return fmt.Errorf("%w: alert %s", alert.ErrNotFound, d.AlertID)
	}
	s.nextID++
	d.ID = s.nextID
	c := *d
	c.Recipients = append([]string(nil), d.Recipients...)
	s.deliveries = append(s.deliveries, c)
	return nil
}

// ListDeliveries returns the delivery outcomes of an alert in insertion order.
func (s *Store) ListDeliveries(ctx context.Context, alertID string) ([]alert.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alert.Delivery
	for _, d := range s.deliveries {
		if d.AlertID == alertID {
			out = append(out, copyDelivery(d))
		}
	}
	return out, nil
}

// ListDeliveriesForAlerts returns delivery outcomes of the alerts matching f.
func (s *Store) ListDeliveriesForAlerts(ctx context.Context, f alert.Filter) ([]alert.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alert.Delivery
	for _, d := range s.deliveries {
		rec, ok := s.alerts[d.AlertID]
		if ok && f.Match(rec) {
			out = append(out, copyDelivery(d))
		}
	}
	return out, nil
}

func copyDelivery(d alert.Delivery) alert.Delivery {
	d.Recipients = append([]string(nil), d.Recipients...)
	return d
}
