package email

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"alerting/internal/alert"
	"alerting/internal/notify/email/provider"
	"alerting/internal/notify/strategy"
)

type fakeProvider struct {
	err  error
	reqs []*provider.EmailRequest
}

func (f *fakeProvider) Name() string       { return "fake" }
func (f *fakeProvider) IsConfigured() bool { return true }
func (f *fakeProvider) Send(ctx context.Context, req *provider.EmailRequest) error {
	f.reqs = append(f.reqs, req)
	return f.err
}

func newSender(p *fakeProvider) *Sender {
	reg := provider.NewRegistry()
	reg.Register(p)
	return NewSender("", reg)
}

func TestSender_Method(t *testing.T) {
	if got := newSender(&fakeProvider{}).Method(); got != alert.MethodEmail {
		t.Errorf("Method() = %v, want %v", got, alert.MethodEmail)
	}
}

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name        string
		recipients  []string
		providerErr error
		wantTo      []string
		wantErr     bool
	}{
		{
			name:       "single recipient",
			recipients: []string{"ops@example.com"},
			wantTo:     []string{"ops@example.com"},
		},
		{
			name:       "comma separated and duplicated",
			recipients: []string{"a@example.com, b@example.com", "a@example.com"},
			wantTo:     []string{"a@example.com", "b@example.com"},
		},
		{
			name:       "no recipients",
			recipients: []string{" ", ""},
			wantErr:    true,
		},
		{
			name:       "missing @",
			recipients: []string{"ops.example.com"},
			wantErr:    true,
		},
		{
			name:        "provider failure",
			recipients:  []string{"ops@example.com"},
			providerErr: errors.New("SMTP server unavailable"),
			wantTo:      []string{"ops@example.com"},
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{err: tt.providerErr}
			s := newSender(p)
			msg := &strategy.Message{
				Record:     &alert.Record{ID: "ALERT_1", RuleID: "RULE_HEALTH", DeviceID: "PUMP_001", Level: alert.LevelWarning},
				Recipients: tt.recipients,
				Subject:    "[WARNING] Device: PUMP_001 health",
				Body:       "body",
				HTML:       "<p>body</p>",
			}

			err := s.Send(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantTo == nil {
				if len(p.reqs) != 0 {
					t.Errorf("Send() reached provider %d times, want 0", len(p.reqs))
				}
				return
			}
			if len(p.reqs) != 1 {
				t.Fatalf("Send() reached provider %d times, want 1", len(p.reqs))
			}
			req := p.reqs[0]
			if !reflect.DeepEqual(req.To, tt.wantTo) {
				t.Errorf("Send() To = %v, want %v", req.To, tt.wantTo)
			}
			if req.From != DefaultFrom || req.Subject != msg.Subject || req.HTML != msg.HTML {
				t.Errorf("Send() request = %+v", req)
			}
			if req.Tags["alert_id"] != "ALERT_1" || req.Tags["device_id"] != "PUMP_001" || req.Tags["alert_level"] != "WARNING" {
				t.Errorf("Send() tags = %v", req.Tags)
			}
		})
	}
}
