// Package sms provides the SMS notification channel over an HTTP gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"alerting/internal/alert"
	"alerting/internal/notify/content"
	"alerting/internal/notify/retry"
	"alerting/internal/notify/strategy"
)

// Config holds SMS gateway configuration.
type Config struct {
	GatewayURL string
	Token      string
	Rate       float64 // Sustained requests per second
	Burst      int
	Timeout    time.Duration
}

// Sender implements the SMS channel by POSTing to a gateway.
type Sender struct {
	url        string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// payload is the JSON body accepted by the gateway.
type payload struct {
	To      []string `json:"to"`
	Message string   `json:"message"`
	AlertID string   `json:"alert_id,omitempty"`
}

// NewSender creates an SMS sender. A non-positive rate disables limiting.
func NewSender(cfg Config) *Sender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Sender{
		url:        cfg.GatewayURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Method returns the notification method this channel handles.
func (s *Sender) Method() alert.Method {
	return alert.MethodSMS
}

// Send delivers msg to every recipient in one gateway request. Throttling
// and server errors are reported as transient.
func (s *Sender) Send(ctx context.Context, msg *strategy.Message) error {
	if s.url == "" {
		return fmt.Errorf("sms gateway URL not configured")
	}
	recipients := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients for sms notification")
	}

	body := payload{To: recipients, Message: msg.Subject}
	if msg.Record != nil {
		body.Message = content.SMS(msg.Record)
		body.AlertID = msg.Record.ID
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal sms payload: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		slog.Error("Failed to send sms notification",
			"error", err,
			"gateway_url", s.url,
			"alert_id", body.AlertID,
		)
		return fmt.Errorf("failed to send sms notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("SMS gateway returned error status",
			"status_code", resp.StatusCode,
			"gateway_url", s.url,
			"alert_id", body.AlertID,
		)
		err := fmt.Errorf("sms gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.Transient(err)
		}
		return err
	}

	slog.Info("Successfully sent sms notification",
		"to", strings.Join(recipients, ", "),
		"alert_id", body.AlertID,
	)
	return nil
}
