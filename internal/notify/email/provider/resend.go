package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// ResendProvider sends alert emails through the Resend API.
type ResendProvider struct {
	client *resend.Client
}

// NewResendProvider creates a Resend provider. An empty API key yields an
// unconfigured provider.
func NewResendProvider(apiKey string) *ResendProvider {
	if apiKey == "" {
		slog.Warn("RESEND_API_KEY not set, Resend provider will be unavailable")
		return &ResendProvider{}
	}
	return &ResendProvider{client: resend.NewClient(apiKey)}
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) IsConfigured() bool { return p.client != nil }

// Send implements Provider.
func (p *ResendProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.client == nil {
		return errors.New("resend provider not configured")
	}
	if len(req.To) == 0 {
		return errors.New("no recipients specified")
	}

	result, err := p.client.Emails.SendWithContext(ctx, resendRequest(req))
	if err != nil {
		slog.Error("Resend send failed", "alert_id", req.Tags["alert_id"], "to", req.To, "error", err)
		return fmt.Errorf("resend send failed: %w", err)
	}

	slog.Info("Alert email sent via Resend",
		"alert_id", req.Tags["alert_id"],
		"email_id", result.Id,
		"recipients", len(req.To),
	)
	return nil
}

func resendRequest(req *EmailRequest) *resend.SendEmailRequest {
	params := &resend.SendEmailRequest{
		From:    req.From,
		To:      req.To,
		Subject: req.Subject,
		Text:    req.Body,
		Html:    req.HTML,
	}
	if len(req.Tags) > 0 {
		params.Headers = make(map[string]string, len(req.Tags))
		for _, name := range req.SortedTags() {
			params.Tags = append(params.Tags, resend.Tag{Name: name, Value: req.Tags[name]})
			params.Headers[headerName(name)] = req.Tags[name]
		}
	}
	return params
}
