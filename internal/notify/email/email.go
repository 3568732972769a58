// Package email provides the EMAIL notification channel over a provider registry.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"alerting/internal/alert"
	"alerting/internal/notify/email/provider"
	"alerting/internal/notify/strategy"
)

// DefaultFrom is used when no sender address is configured.
const DefaultFrom = "alerts@alerting-platform.local"

// Sender implements the EMAIL channel.
type Sender struct {
	from      string
	providers *provider.Registry
}

// NewSender creates an email sender that delivers through providers.
func NewSender(from string, providers *provider.Registry) *Sender {
	if from == "" {
		from = DefaultFrom
	}
	return &Sender{
		from:      from,
		providers: providers,
	}
}

// Method returns the notification method this channel handles.
func (s *Sender) Method() alert.Method {
	return alert.MethodEmail
}

// Send emails msg to its recipients.
func (s *Sender) Send(ctx context.Context, msg *strategy.Message) error {
	recipients := parseRecipients(msg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for email notification")
	}

	// Basic validation: check for @ symbol in email addresses
	for _, recipient := range recipients {
		if !strings.Contains(recipient, "@") {
			return fmt.Errorf("invalid email address format: %q (missing @ symbol)", recipient)
		}
	}

	req := &provider.EmailRequest{
		From:    s.from,
		To:      recipients,
		Subject: msg.Subject,
		Body:    msg.Body,
		HTML:    msg.HTML,
	}
	if rec := msg.Record; rec != nil {
		req.Tags = map[string]string{
			"alert_id":    rec.ID,
			"alert_level": string(rec.Level),
			"device_id":   rec.DeviceID,
			"rule_id":     rec.RuleID,
		}
	}
	if err := s.providers.Send(ctx, req); err != nil {
		return err
	}

	attrs := []any{"to", strings.Join(recipients, ", "), "subject", msg.Subject}
	if msg.Record != nil {
		attrs = append(attrs, "alert_id", msg.Record.ID)
	}
	slog.Info("Successfully sent email notification", attrs...)
	return nil
}

// parseRecipients trims recipients, splits comma-separated entries and drops
// empties and duplicates.
func parseRecipients(values []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || seen[part] {
				continue
			}
			seen[part] = true
			out = append(out, part)
		}
	}
	return out
}
