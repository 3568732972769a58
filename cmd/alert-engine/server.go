package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"alerting/internal/notify"
	"alerting/internal/scheduler"
)

type healthChecker interface {
	Check(ctx context.Context) scheduler.HealthStatus
}

type triggers interface {
	TriggerAlertCheck(ctx context.Context) (int, error)
	TriggerNotificationRetry(ctx context.Context) (*notify.RetrySummary, error)
}

type metricsHandler interface {
	Handler() http.Handler
}

// newServer creates the HTTP server exposing the realtime channel, metrics,
// health and the manual scheduler triggers.
func newServer(addr string, ws http.Handler, m metricsHandler, health healthChecker, t triggers) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newRouter(ws, m, health, t),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func newRouter(ws http.Handler, m metricsHandler, health healthChecker, t triggers) http.Handler {
	mux := http.NewServeMux()

	// Realtime alert push
	mux.Handle("/ws", ws)

	// Prometheus scrape endpoint
	mux.Handle("/metrics", m.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status := health.Check(req.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("/api/v1/scheduler/alert-check", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		// Device evaluations outlive the request.
		started, err := t.TriggerAlertCheck(context.WithoutCancel(req.Context()))
		if err != nil {
			slog.Error("Manual alert check failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"devices_started": started})
	})

	mux.HandleFunc("/api/v1/scheduler/notification-retry", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		summary, err := t.TriggerNotificationRetry(req.Context())
		if err != nil {
			slog.Error("Manual notification retry failed", "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
