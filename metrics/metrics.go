// Package metrics exposes Prometheus-format metrics on a standalone listener,
// kept separate from the API server so the public surface never serves them.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves /metrics in Prometheus text format.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service on addr. The addr may be
// empty; callers are expected to skip ListenAndServe in that case.
func New(service, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	vmetrics.GetOrCreateCounter(fmt.Sprintf(`service_info{service=%q}`, service)).Set(1)

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// IncIngest counts one ingestion attempt by outcome
// (created, duplicate, rejected, unauthorized, error).
func IncIngest(outcome string) {
	vmetrics.GetOrCreateCounter(fmt.Sprintf(`intake_ingest_total{outcome=%q}`, outcome)).Inc()
}

// IncAdminAction counts one admin mutation or fetch by action tag.
func IncAdminAction(action string) {
	vmetrics.GetOrCreateCounter(fmt.Sprintf(`intake_admin_actions_total{action=%q}`, action)).Inc()
}

// IncNotify counts webhook notification outcomes (ok, error).
func IncNotify(outcome string) {
	vmetrics.GetOrCreateCounter(fmt.Sprintf(`intake_notify_total{outcome=%q}`, outcome)).Inc()
}
