package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SESProvider sends alert emails through AWS SES v2.
type SESProvider struct {
	client *sesv2.Client
	region string
}

// NewSESProvider creates an SES provider for region. When the AWS config
// cannot be loaded the provider is returned unconfigured.
func NewSESProvider(ctx context.Context, region string) *SESProvider {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Warn("Failed to load AWS config, SES provider will be unavailable", "region", region, "error", err)
		return &SESProvider{region: region}
	}

	slog.Info("SES email provider initialized", "region", region)
	return &SESProvider{
		client: sesv2.NewFromConfig(cfg),
		region: region,
	}
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) IsConfigured() bool { return p.client != nil }

// Send implements Provider.
func (p *SESProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.client == nil {
		return errors.New("ses provider not configured")
	}
	if len(req.To) == 0 {
		return errors.New("no recipients specified")
	}

	result, err := p.client.SendEmail(ctx, sesInput(req))
	if err != nil {
		slog.Error("SES send failed", "alert_id", req.Tags["alert_id"], "region", p.region, "error", err)
		return fmt.Errorf("ses send failed: %w", err)
	}

	slog.Info("Alert email sent via SES",
		"alert_id", req.Tags["alert_id"],
		"message_id", aws.ToString(result.MessageId),
		"recipients", len(req.To),
	)
	return nil
}

func sesInput(req *EmailRequest) *sesv2.SendEmailInput {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination:      &types.Destination{ToAddresses: req.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject)},
				Body:    sesBody(req),
			},
		},
	}
	for _, name := range req.SortedTags() {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(req.Tags[name]),
		})
	}
	return input
}

func sesBody(req *EmailRequest) *types.Body {
	var body types.Body
	if req.HTML != "" {
		body.Html = &types.Content{Data: aws.String(req.HTML)}
	}
	if req.Body != "" {
		body.Text = &types.Content{Data: aws.String(req.Body)}
	}
	return &body
}
