package transport

import (
	"net/http"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kokino/broker/internal/broker/telemetry"
)

// timelinePolicy strips HTML markup from turn content before it's
// embedded in the monitoring dashboard's JSON, without touching the
// content stored in the conversation store. Stored turns routinely
// contain code with stray angle brackets; sanitizing at storage time
// would corrupt that, so the policy only runs here, at render time.
var timelinePolicy = bluemonday.UGCPolicy()

func (s *Server) registerMonitoringRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/monitoring/timeline", s.handleTimeline)
	mux.HandleFunc("GET /api/monitoring/interactions", s.handleInteractions)
	mux.HandleFunc("GET /api/metrics/dashboard", s.handleMetricsDashboard)
	mux.HandleFunc("GET /api/metrics/performance", s.handleMetricsPerformance)
	mux.HandleFunc("GET /api/metrics/endpoints", s.handleMetricsEndpoints)
	mux.HandleFunc("GET /api/metrics/slo", s.handleMetricsSLO)
	mux.HandleFunc("GET /api/metrics/errors", s.handleMetricsErrors)
	mux.HandleFunc("GET /api/metrics/rate", s.handleMetricsRate)
	mux.HandleFunc("POST /api/metrics/cleanup", s.handleMetricsCleanup)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	var agentIDs []string
	if agentID != "" {
		agentIDs = []string{agentID}
	} else {
		agents, err := s.deps.Agents.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		for _, a := range agents {
			agentIDs = append(agentIDs, a.AgentID)
		}
	}

	events := make([]map[string]any, 0)
	for _, id := range agentIDs {
		conversations, err := s.deps.Convos.ListAgentConversations(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, c := range conversations {
			turns, err := s.deps.Convos.GetTurns(r.Context(), c.ConversationID)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, t := range turns {
				events = append(events, map[string]any{
					"agentId":        id,
					"conversationId": c.ConversationID,
					"turnId":         t.TurnID,
					"role":           t.Role,
					"content":        timelinePolicy.Sanitize(t.Content),
					"createdAt":      t.CreatedAt,
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	windowHours := timeRangeHours(r.URL.Query().Get("timeRange"))
	stats, err := s.deps.Telemetry.EndpointPercentiles(windowHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeRange": r.URL.Query().Get("timeRange"), "endpoints": stats})
}

func (s *Server) handleMetricsDashboard(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 24)
	writeJSON(w, http.StatusOK, map[string]any{
		"availability": s.deps.Telemetry.Availability(windowHours),
		"p50LatencyMs": s.deps.Telemetry.LatencyPercentile(50, windowHours),
		"p95LatencyMs": s.deps.Telemetry.LatencyPercentile(95, windowHours),
		"p99LatencyMs": s.deps.Telemetry.LatencyPercentile(99, windowHours),
	})
}

func (s *Server) handleMetricsPerformance(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 24)
	writeJSON(w, http.StatusOK, map[string]any{
		"p50LatencyMs": s.deps.Telemetry.LatencyPercentile(50, windowHours),
		"p90LatencyMs": s.deps.Telemetry.LatencyPercentile(90, windowHours),
		"p95LatencyMs": s.deps.Telemetry.LatencyPercentile(95, windowHours),
		"p99LatencyMs": s.deps.Telemetry.LatencyPercentile(99, windowHours),
	})
}

func (s *Server) handleMetricsEndpoints(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 24)
	stats, err := s.deps.Telemetry.EndpointPercentiles(windowHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": stats})
}

func (s *Server) handleMetricsSLO(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 24*7)
	writeJSON(w, http.StatusOK, map[string]any{
		"availability": s.deps.Telemetry.ErrorBudget(telemetry.SLIAvailability, windowHours),
		"latency":      s.deps.Telemetry.ErrorBudget(telemetry.SLILatency, windowHours),
		"correctness":  s.deps.Telemetry.ErrorBudget(telemetry.SLICorrectness, windowHours),
		"integrity":    s.deps.Telemetry.ErrorBudget(telemetry.SLIIntegrity, windowHours),
	})
}

func (s *Server) handleMetricsErrors(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 24)
	writeJSON(w, http.StatusOK, s.deps.Telemetry.ErrorBudget(telemetry.SLICorrectness, windowHours))
}

func (s *Server) handleMetricsRate(w http.ResponseWriter, r *http.Request) {
	windowHours := parseIntQuery(r, "windowHours", 1)
	stats, err := s.deps.Telemetry.EndpointPercentiles(windowHours)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windowHours": windowHours, "endpoints": stats})
}

func (s *Server) handleMetricsCleanup(w http.ResponseWriter, r *http.Request) {
	retentionDays := parseIntQuery(r, "retentionDays", 30)
	deleted, err := s.deps.Telemetry.Cleanup(retentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func timeRangeHours(timeRange string) int {
	switch timeRange {
	case "1h":
		return 1
	case "24h", "":
		return 24
	case "7d":
		return 24 * 7
	case "30d":
		return 24 * 30
	default:
		if d, err := time.ParseDuration(timeRange); err == nil {
			return int(d.Hours()) + 1
		}
		return 24
	}
}
