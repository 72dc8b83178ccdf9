// Package metrics exposes the exporter's Prometheus metrics.
// All metrics are defined in their respective packages (client, ratelimit,
// pagination, enrich, snapshot) via promauto and land in the default registry.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - helpdesk_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - helpdesk_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - helpdesk_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - helpdesk_retries_total{error_class} (Counter): Retry attempts by error class
//   - helpdesk_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - helpdesk_retry_exhausted_total{error_class} (Counter): Operations that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - helpdesk_rate_limit_remaining (Gauge): Requests remaining in the current window
//   - helpdesk_rate_limit_cooldowns_total (Counter): 429 responses that started a shared cooldown
//   - helpdesk_rate_limit_throttles_total (Counter): Requests delayed by a low quota
//   - helpdesk_rate_limit_wait_seconds (Histogram): Time spent waiting out cooldowns
//
// Pagination Metrics (pkg/pagination):
//   - helpdesk_pages_total{resource, result} (Counter): Page fetches by result
//   - helpdesk_records_total{resource} (Counter): Records received
//   - helpdesk_pagination_aborted_total{resource} (Counter): Traversals given up
//
// Enrichment Metrics (pkg/enrich):
//   - helpdesk_enrich_records_total{field, result} (Counter): enriched, skipped, failed
//   - helpdesk_enrich_in_flight (Gauge): Records currently being fetched
//   - helpdesk_enrich_record_duration_seconds{field} (Histogram): Per-record time including retries
//
// Snapshot Metrics (pkg/snapshot):
//   - helpdesk_snapshot_writes_total{target, result} (Counter): Writes by target (file, object)
//   - helpdesk_snapshot_bytes_total{target} (Counter): Bytes written
//
// Example Prometheus Queries:
//
//	# Share of requests rate limited
//	sum(rate(helpdesk_errors_total{class="rate_limit"}[5m])) / sum(rate(helpdesk_requests_total[5m]))
//
//	# Enrichment failures
//	helpdesk_enrich_records_total{result="failed"}
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(helpdesk_request_duration_seconds_bucket[5m]))

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger.With().Str("component", "metrics").Logger(),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
