package provider

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

type mockProvider struct {
	name       string
	configured bool
	sendErr    error
	calls      int
}

func (m *mockProvider) Name() string       { return m.name }
func (m *mockProvider) IsConfigured() bool { return m.configured }
func (m *mockProvider) Send(ctx context.Context, req *EmailRequest) error {
	m.calls++
	return m.sendErr
}

func request() *EmailRequest {
	return &EmailRequest{
		From:    "alerts@example.com",
		To:      []string{"ops@example.com"},
		Subject: "[WARNING] Device: PUMP_001 health",
		Body:    "body",
	}
}

func TestRegistry_GetPrimary(t *testing.T) {
	tests := []struct {
		name      string
		providers []*mockProvider
		primary   string
		fallback  []string
		want      string
		wantErr   bool
	}{
		{
			name:      "configured primary",
			providers: []*mockProvider{{name: "smtp", configured: true}, {name: "ses", configured: true}},
			primary:   "ses",
			want:      "ses",
		},
		{
			name:      "unconfigured primary uses fallback",
			providers: []*mockProvider{{name: "smtp", configured: true}, {name: "ses"}, {name: "resend", configured: true}},
			primary:   "ses",
			fallback:  []string{"resend"},
			want:      "resend",
		},
		{
			name:      "no fallback uses first configured by name",
			providers: []*mockProvider{{name: "smtp", configured: true}, {name: "ses"}, {name: "resend", configured: true}},
			primary:   "ses",
			want:      "resend",
		},
		{
			name:      "nothing configured",
			providers: []*mockProvider{{name: "smtp"}, {name: "ses"}},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, p := range tt.providers {
				r.Register(p)
			}
			if tt.primary != "" {
				if err := r.SetPrimary(tt.primary); err != nil {
					t.Fatalf("SetPrimary() error = %v", err)
				}
			}
			if err := r.SetFallback(tt.fallback...); err != nil {
				t.Fatalf("SetFallback() error = %v", err)
			}

			got, err := r.GetPrimary()
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetPrimary() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Name() != tt.want {
				t.Errorf("GetPrimary() = %s, want %s", got.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_SetUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.SetPrimary("ses"); err == nil {
		t.Error("SetPrimary() of unregistered provider should fail")
	}
	if err := r.SetFallback("resend"); err == nil {
		t.Error("SetFallback() of unregistered provider should fail")
	}
}

func TestRegistry_SendFallsBack(t *testing.T) {
	primaryErr := errors.New("SES send failed: throttled")

	tests := []struct {
		name        string
		fallbackErr error
		wantErr     error
	}{
		{name: "fallback succeeds", fallbackErr: nil, wantErr: nil},
		{name: "fallback fails returns primary error", fallbackErr: errors.New("resend down"), wantErr: primaryErr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &mockProvider{name: "ses", configured: true, sendErr: primaryErr}
			fallback := &mockProvider{name: "resend", configured: true, sendErr: tt.fallbackErr}
			r := NewRegistry()
			r.Register(primary)
			r.Register(fallback)
			_ = r.SetPrimary("ses")
			_ = r.SetFallback("resend")

			err := r.Send(context.Background(), request())
			if err != tt.wantErr {
				t.Errorf("Send() error = %v, want %v", err, tt.wantErr)
			}
			if primary.calls != 1 || fallback.calls != 1 {
				t.Errorf("Send() calls primary=%d fallback=%d, want 1/1", primary.calls, fallback.calls)
			}
		})
	}
}

func TestRegistry_AvailableAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "smtp", configured: true})
	r.Register(&mockProvider{name: "ses"})
	r.Register(&mockProvider{name: "resend", configured: true})

	if got := strings.Join(r.Available(), ","); got != "resend,smtp" {
		t.Errorf("Available() = %s, want resend,smtp", got)
	}
	if got := strings.Join(r.List(), ","); got != "resend,ses,smtp" {
		t.Errorf("List() = %s, want resend,ses,smtp", got)
	}
}

func TestResendProvider(t *testing.T) {
	unconfigured := NewResendProvider("")
	if unconfigured.IsConfigured() {
		t.Error("NewResendProvider(\"\") should be unconfigured")
	}
	if err := unconfigured.Send(context.Background(), request()); err == nil {
		t.Error("Send() on unconfigured Resend provider should fail")
	}

	configured := NewResendProvider("re_test_key")
	if !configured.IsConfigured() || configured.Name() != "resend" {
		t.Errorf("NewResendProvider() = %+v", configured)
	}
	if err := configured.Send(context.Background(), &EmailRequest{}); err == nil {
		t.Error("Send() without recipients should fail")
	}
}

func TestSESProvider_Unconfigured(t *testing.T) {
	p := &SESProvider{region: "us-east-1"}
	if p.IsConfigured() || p.Name() != "ses" {
		t.Errorf("SESProvider = %+v", p)
	}
	if err := p.Send(context.Background(), request()); err == nil {
		t.Error("Send() on unconfigured SES provider should fail")
	}
}

func TestSESBody(t *testing.T) {
	body := sesBody(&EmailRequest{Body: "text", HTML: "<p>html</p>"})
	if body.Text == nil || *body.Text.Data != "text" || body.Html == nil || *body.Html.Data != "<p>html</p>" {
		t.Errorf("sesBody() = %+v", body)
	}
	if body := sesBody(&EmailRequest{Body: "text"}); body.Html != nil {
		t.Error("sesBody() should omit an empty HTML part")
	}
}

func taggedRequest() *EmailRequest {
	req := request()
	req.Tags = map[string]string{"device_id": "PUMP_001", "alert_id": "ALERT_1709287200000_1a2b3c4d"}
	return req
}

func TestHeaderName(t *testing.T) {
	tests := map[string]string{
		"alert_id":    "X-Alert-Id",
		"alert_level": "X-Alert-Level",
		"device_id":   "X-Alert-Device-Id",
		"rule_id":     "X-Alert-Rule-Id",
	}
	for tag, want := range tests {
		if got := headerName(tag); got != want {
			t.Errorf("headerName(%q) = %q, want %q", tag, got, want)
		}
	}
}

func TestResendRequest(t *testing.T) {
	params := resendRequest(taggedRequest())
	if len(params.Tags) != 2 || params.Tags[0].Name != "alert_id" || params.Tags[1].Value != "PUMP_001" {
		t.Errorf("resendRequest() tags = %+v", params.Tags)
	}
	if params.Headers["X-Alert-Id"] != "ALERT_1709287200000_1a2b3c4d" {
		t.Errorf("resendRequest() headers = %v", params.Headers)
	}
	if plain := resendRequest(request()); plain.Tags != nil || plain.Headers != nil {
		t.Errorf("resendRequest() without tags = %+v", plain)
	}
}

func TestSESInput(t *testing.T) {
	input := sesInput(taggedRequest())
	if *input.FromEmailAddress != "alerts@example.com" || input.Destination.ToAddresses[0] != "ops@example.com" {
		t.Errorf("sesInput() = %+v", input)
	}
	if len(input.EmailTags) != 2 || *input.EmailTags[0].Name != "alert_id" || *input.EmailTags[1].Value != "PUMP_001" {
		t.Errorf("sesInput() tags = %+v", input.EmailTags)
	}
}

func TestBuildMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	plain := string(buildMessage(request(), now))
	for _, want := range []string{
		"From: alerts@example.com\r\n",
		"To: ops@example.com\r\n",
		"Subject: [WARNING] Device: PUMP_001 health\r\n",
		"Content-Type: text/plain; charset=UTF-8\r\n",
		"\r\n\r\nbody",
	} {
		if !strings.Contains(plain, want) {
			t.Errorf("buildMessage() missing %q", want)
		}
	}

	tagged := string(buildMessage(taggedRequest(), now))
	if !strings.Contains(tagged, "X-Alert-Id: ALERT_1709287200000_1a2b3c4d\r\nX-Alert-Device-Id: PUMP_001\r\n") {
		t.Errorf("buildMessage() with tags = %q", tagged)
	}

	req := request()
	req.HTML = "<p>html</p>"
	html := string(buildMessage(req, now))
	if !strings.Contains(html, "Content-Type: text/html") || !strings.HasSuffix(html, "<p>html</p>") {
		t.Errorf("buildMessage() with HTML = %q", html)
	}
}

// startFakeSMTP accepts one session and reports the DATA payload.
func startFakeSMTP(t *testing.T) (string, string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		write("220 localhost ESMTP")
		var data strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					received <- data.String()
					write("250 OK")
					continue
				}
				data.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case cmd == "DATA":
				inData = true
				write("354 Go ahead")
			case cmd == "QUIT":
				write("221 Bye")
				return
			default:
				write("250 localhost")
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	return host, port, received
}

func TestSMTPProvider_Send(t *testing.T) {
	host, port, received := startFakeSMTP(t)
	p := NewSMTPProvider(SMTPConfig{Host: host, Port: port})
	if !p.IsConfigured() || p.Name() != "smtp" {
		t.Fatalf("NewSMTPProvider() = %+v", p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Send(ctx, request()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case data := <-received:
		if !strings.Contains(data, "Subject: [WARNING] Device: PUMP_001 health") {
			t.Errorf("SMTP DATA = %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("SMTP server did not receive DATA")
	}
}

func TestSMTPProvider_SendErrors(t *testing.T) {
	p := NewSMTPProvider(SMTPConfig{Host: "127.0.0.1", Port: "1"})
	if err := p.Send(context.Background(), &EmailRequest{}); err == nil || !strings.Contains(err.Error(), "no recipients") {
		t.Errorf("Send() without recipients error = %v", err)
	}
	if err := p.Send(context.Background(), request()); err == nil {
		t.Error("Send() to a closed port should fail")
	}
	if NewSMTPProvider(SMTPConfig{}).IsConfigured() {
		t.Error("SMTP provider without host should be unconfigured")
	}
}
