package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"alerting/internal/notify"
	"alerting/internal/scheduler"
)

type fakeHealth struct {
	healthy bool
}

func (f fakeHealth) Check(ctx context.Context) scheduler.HealthStatus {
	return scheduler.HealthStatus{Healthy: f.healthy, Components: map[string]string{"redis": "ok"}}
}

type fakeTriggers struct {
	err error
}

func (f fakeTriggers) TriggerAlertCheck(ctx context.Context) (int, error) {
	return 3, f.err
}

func (f fakeTriggers) TriggerNotificationRetry(ctx context.Context) (*notify.RetrySummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &notify.RetrySummary{Scanned: 2, Recovered: 1}, nil
}

type fakeMetrics struct{}

func (fakeMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alerting_alerts_total 1\n"))
	})
}

func TestRouter(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})

	tests := []struct {
		name     string
		method   string
		path     string
		health   bool
		err      error
		wantCode int
		wantBody string
	}{
		{name: "healthy", method: http.MethodGet, path: "/healthz", health: true, wantCode: http.StatusOK, wantBody: `"healthy":true`},
		{name: "unhealthy", method: http.MethodGet, path: "/healthz", wantCode: http.StatusServiceUnavailable, wantBody: `"healthy":false`},
		{name: "health wrong method", method: http.MethodPost, path: "/healthz", wantCode: http.StatusMethodNotAllowed},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "alerting_alerts_total"},
		{name: "websocket", method: http.MethodGet, path: "/ws", wantCode: http.StatusSwitchingProtocols},
		{name: "alert check", method: http.MethodPost, path: "/api/v1/scheduler/alert-check", wantCode: http.StatusAccepted, wantBody: `"devices_started":3`},
		{name: "alert check wrong method", method: http.MethodGet, path: "/api/v1/scheduler/alert-check", wantCode: http.StatusMethodNotAllowed},
		{name: "alert check failure", method: http.MethodPost, path: "/api/v1/scheduler/alert-check", err: errors.New("device list unavailable"), wantCode: http.StatusInternalServerError},
		{name: "notification retry", method: http.MethodPost, path: "/api/v1/scheduler/notification-retry", wantCode: http.StatusOK, wantBody: `"recovered":1`},
		{name: "notification retry failure", method: http.MethodPost, path: "/api/v1/scheduler/notification-retry", err: errors.New("store unavailable"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newRouter(ws, fakeMetrics{}, fakeHealth{healthy: tt.health}, fakeTriggers{err: tt.err})
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("%s %s status = %v, want %v", tt.method, tt.path, w.Code, tt.wantCode)
			}
			if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("%s %s body = %q, want it to contain %q", tt.method, tt.path, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})

	if w.Code != http.StatusCreated || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("writeJSON() code = %d, content type = %q", w.Code, w.Header().Get("Content-Type"))
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || got["status"] != "ok" {
		t.Errorf("writeJSON() body = %q, %v", w.Body.String(), err)
	}
}
