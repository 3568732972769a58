// Package events publishes alert lifecycle events for downstream consumers.
package events

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"alerting/internal/alert"
)

// SchemaVersion is the version of the event payload layout.
const SchemaVersion = 1

// Type names a lifecycle event.
type Type string

const (
	TypeAlertCreated       Type = "ALERT_CREATED"
	TypeAlertSuppressed    Type = "ALERT_SUPPRESSED"
	TypeAlertAcknowledged  Type = "ALERT_ACKNOWLEDGED"
	TypeAlertResolved      Type = "ALERT_RESOLVED"
	TypeAlertFalsePositive Type = "ALERT_FALSE_POSITIVE"
	TypeNotificationStatus Type = "NOTIFICATION_STATUS"
)

// TypeForStatus returns the event type announcing a record that entered status.
func TypeForStatus(status alert.Status) Type {
	switch status {
	case alert.StatusSuppressed:
		return TypeAlertSuppressed
	case alert.StatusAcknowledged:
		return TypeAlertAcknowledged
	case alert.StatusResolved:
		return TypeAlertResolved
	case alert.StatusFalsePositive:
		return TypeAlertFalsePositive
	}
	return TypeAlertCreated
}

// Event is one alert lifecycle event.
type Event struct {
	Type               Type
	SchemaVersion      int
	At                 time.Time
	AlertID            string
	RuleID             string
	DeviceID           string
	Level              alert.Level
	Status             alert.Status
	NotificationStatus alert.NotificationStatus
	TriggeredValue     *float64
	ThresholdValue     *float64
	Confidence         float64
	Actor              string
	Note               string
}

// FromRecord builds an event of type t describing rec at time at.
func FromRecord(t Type, rec *alert.Record, actor, note string, at time.Time) *Event {
	return &Event{
		Type:               t,
		SchemaVersion:      SchemaVersion,
		At:                 at,
		AlertID:            rec.ID,
		RuleID:             rec.RuleID,
		DeviceID:           rec.DeviceID,
		Level:              rec.Level,
		Status:             rec.Status,
		NotificationStatus: rec.NotificationStatus,
		TriggeredValue:     rec.TriggeredValue,
		ThresholdValue:     rec.ThresholdValue,
		Confidence:         rec.Confidence,
		Actor:              actor,
		Note:               note,
	}
}

// Publisher publishes lifecycle events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// NoOp discards every event. Use this when event publishing is disabled.
type NoOp struct{}

func (NoOp) Publish(context.Context, *Event) error { return nil }

// Encode serializes e as a protobuf Struct.
func Encode(e *Event) ([]byte, error) {
	fields := map[string]any{
		"type":                string(e.Type),
		"schema_version":      float64(e.SchemaVersion),
		"event_ts":            float64(e.At.UnixMilli()),
		"alert_id":            e.AlertID,
		"rule_id":             e.RuleID,
		"device_id":           e.DeviceID,
		"alert_level":         string(e.Level),
		"status":              string(e.Status),
		"notification_status": string(e.NotificationStatus),
		"confidence_score":    e.Confidence,
	}
	if e.TriggeredValue != nil {
		fields["triggered_value"] = *e.TriggeredValue
	}
	if e.ThresholdValue != nil {
		fields["threshold_value"] = *e.ThresholdValue
	}
	if e.Actor != "" {
		fields["actor"] = e.Actor
	}
	if e.Note != "" {
		fields["note"] = e.Note
	}

	pb, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build event struct: %w", err)
	}
	payload, err := proto.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (*Event, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(payload, &pb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event protobuf: %w", err)
	}
	f := pb.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) *float64 {
		v, ok := f[k]
		if !ok {
			return nil
		}
		n := v.GetNumberValue()
		return &n
	}

	return &Event{
		Type:               Type(str("type")),
		SchemaVersion:      int(f["schema_version"].GetNumberValue()),
		At:                 time.UnixMilli(int64(f["event_ts"].GetNumberValue())).UTC(),
		AlertID:            str("alert_id"),
		RuleID:             str("rule_id"),
		DeviceID:           str("device_id"),
		Level:              alert.Level(str("alert_level")),
		Status:             alert.Status(str("status")),
		NotificationStatus: alert.NotificationStatus(str("notification_status")),
		TriggeredValue:     num("triggered_value"),
		ThresholdValue:     num("threshold_value"),
		Confidence:         f["confidence_score"].GetNumberValue(),
		Actor:              str("actor"),
		Note:               str("note"),
	}, nil
}
