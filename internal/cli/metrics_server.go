package cli

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shekohex/openchamber/internal/session"
)

// metricsServer serves a Manager's Prometheus registry and periodically
// refreshes its session-count gauges for as long as serve runs.
type metricsServer struct {
	http   *http.Server
	cancel context.CancelFunc
}

// startMetricsServer launches a background HTTP server on addr exposing
// /metrics, and a ticker that keeps the registry's gauges current.
func startMetricsServer(addr string, mgr *session.Manager) *metricsServer {
	ctx, cancel := context.WithCancel(context.Background())
	mux := http.NewServeMux()
	mux.Handle("/metrics", mgr.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.ReportMetrics()
			}
		}
	}()

	return &metricsServer{http: srv, cancel: cancel}
}

// Shutdown stops the HTTP server and the gauge-refresh ticker.
func (m *metricsServer) Shutdown() {
	m.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.http.Shutdown(ctx)
}
