// Package transport exposes the broker's HTTP surface: agent
// lifecycle, ticket send/receive, turn execution, conversation
// history, SLO/metrics dashboards, and the WebSocket observer and
// terminal endpoints. None of the execution semantics live here — this
// package only decodes requests, calls into the broker components,
// and encodes responses.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/broker/circuit"
	"github.com/kokino/broker/internal/broker/convo"
	"github.com/kokino/broker/internal/broker/fallback"
	"github.com/kokino/broker/internal/broker/monitor"
	"github.com/kokino/broker/internal/broker/router"
	"github.com/kokino/broker/internal/broker/runner"
	"github.com/kokino/broker/internal/broker/session"
	"github.com/kokino/broker/internal/broker/shadow"
	"github.com/kokino/broker/internal/broker/telemetry"
	"github.com/kokino/broker/internal/broker/ticket"
	"github.com/kokino/broker/internal/delivery/tmuxprovider"
	"github.com/kokino/broker/internal/logging"
	"github.com/kokino/broker/internal/metrics"
)

// Deps are the broker components the HTTP surface dispatches into.
type Deps struct {
	Agents     *agentreg.Store
	Tickets    *ticket.Store
	Convos     *convo.Store
	Sessions   *session.Manager
	Runner     *runner.Runner
	Circuits   *circuit.Breaker
	Fallback   *fallback.Controller
	Shadow     *shadow.Controller
	Router     *router.Router
	Telemetry  *telemetry.Recorder
	Monitor    *monitor.Hub
	TmuxDriver router.TmuxProvider   // nil if no tmux provider configured
	Terminals  *tmuxprovider.Manager // nil if no tmux provider configured; backs /ws/terminal/{id}
}

// Server is the broker's HTTP/WebSocket surface.
type Server struct {
	deps   Deps
	server *http.Server
}

// New builds the broker's route table and wraps it with logging,
// metrics, and gzip compression middleware.
func New(addr string, deps Deps) *Server {
	mux := http.NewServeMux()

	s := &Server{deps: deps}
	s.registerAgentRoutes(mux)
	s.registerTicketRoutes(mux)
	s.registerExecutionRoutes(mux)
	s.registerConversationRoutes(mux)
	s.registerMonitoringRoutes(mux)
	s.registerWebsocketRoutes(mux)

	mux.Handle("/metrics", promhttp.Handler())

	handler := gzhttp.GzipHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's composed http.Handler, for tests that
// want to drive it via httptest without binding the configured address.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Serve blocks, listening on the configured address, until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
