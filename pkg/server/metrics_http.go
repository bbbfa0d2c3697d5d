package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/NicolasHaas/linechat/pkg/version"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format and /healthz. It shuts down when the
// server context is cancelled. An empty Config.MetricsAddr disables it.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP linechat_build_info Build version of the running server.\n")
	_, _ = fmt.Fprintf(w, "# TYPE linechat_build_info gauge\n")
	_, _ = fmt.Fprintf(w, "linechat_build_info{%s} 1\n", promLabels(version.Labels()))

	_, _ = fmt.Fprintf(w, "# HELP linechat_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE linechat_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "linechat_uptime_seconds %f\n", uptime)

	write("linechat_connections_active", "Current open connections.", "gauge",
		m.ActiveConnections.Load())
	write("linechat_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("linechat_disconnects_total", "Sessions closed.", "counter",
		m.TotalDisconnects.Load())
	write("linechat_users_online", "Authenticated sessions.", "gauge",
		int64(s.registry.Count()))
	write("linechat_groups", "Existing groups.", "gauge",
		int64(s.groups.Count()))

	write("linechat_auth_success_total", "Accepted logins.", "counter",
		m.SuccessfulAuths.Load())
	write("linechat_auth_failed_total", "Rejected logins.", "counter",
		m.FailedAuths.Load())

	write("linechat_broadcast_messages_total", "Broadcast messages routed.", "counter",
		m.BroadcastMessages.Load())
	write("linechat_private_messages_total", "Direct messages delivered.", "counter",
		m.PrivateMessages.Load())
	write("linechat_group_messages_total", "Group messages routed.", "counter",
		m.GroupMessages.Load())
	write("linechat_lines_dropped_total", "Outbound lines rejected by a full queue.", "counter",
		m.LinesDropped.Load())
	write("linechat_evictions_total", "Sessions closed for overflowing their queue.", "counter",
		m.Evictions.Load())
	write("linechat_command_errors_total", "Commands answered with a failure line.", "counter",
		m.CommandErrors.Load())

	write("linechat_registrations_total", "Accounts registered.", "counter",
		m.Registrations.Load())
	write("linechat_accounts_deleted_total", "Accounts deleted.", "counter",
		m.AccountsDeleted.Load())
	write("linechat_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())
	write("linechat_groups_deleted_total", "Groups deleted.", "counter",
		m.GroupsDeleted.Load())
}

// promLabels renders labels as name="value" pairs in name order.
func promLabels(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s=%q", name, labels[name]))
	}
	return strings.Join(pairs, ",")
}
