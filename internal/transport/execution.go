package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kokino/broker/internal/broker/fallback"
	"github.com/kokino/broker/internal/broker/runner"
	"github.com/kokino/broker/internal/broker/shadow"
	"github.com/kokino/broker/internal/brokererr"
	"github.com/kokino/broker/internal/ids"
)

func (s *Server) registerExecutionRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /agents/{id}/execute/cancel", s.handleCancelExecute)
	mux.HandleFunc("POST /agents/{id}/end-session", s.handleEndSession)
}

type executeRequest struct {
	Prompt        string `json:"prompt"`
	Model         string `json:"model"`
	MCPConfigPath string `json:"mcpConfigPath"`
	CLICommand    string `json:"cliCommand"`
	WorkingDir    string `json:"workingDir"`
	TimeoutMs     int    `json:"timeoutMs"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("transport.execute", "invalid JSON body"))
		return
	}
	if req.Prompt == "" {
		writeError(w, badRequest("transport.execute", "prompt is required"))
		return
	}

	agent, err := s.deps.Agents.Get(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}

	headlessFn := func(ctx context.Context) shadow.Delivery {
		var result *runner.TurnResult
		execErr := s.deps.Circuits.Execute(agentID, func() error {
			res, err := s.deps.Runner.ExecuteTurn(ctx, agentID, req.Prompt, runner.Options{
				TimeoutMs:     req.TimeoutMs,
				Model:         req.Model,
				MCPConfigPath: req.MCPConfigPath,
				CLICommand:    req.CLICommand,
				WorkingDir:    req.WorkingDir,
			})
			result = res
			if err != nil {
				return err
			}
			if res != nil && !res.Success {
				return brokererr.Newf(brokererr.KindUpstream, "transport.execute", "execution failed with exit code %d", res.ExitCode)
			}
			return nil
		})
		if execErr != nil {
			return shadow.Delivery{Err: execErr}
		}
		return shadow.Delivery{Response: result.Response, DurationMs: result.DurationMs}
	}

	tmuxFn := func(ctx context.Context) shadow.Delivery {
		if s.deps.TmuxDriver == nil {
			return shadow.Delivery{Err: brokererr.Newf(brokererr.KindInternal, "transport.execute", "no tmux provider configured for agent %s", agentID)}
		}
		return s.deps.TmuxDriver.Deliver(ctx, agentID, req.Prompt)
	}

	ticketID := ids.Generate()
	delivery, err := s.deps.Router.Route(r.Context(), fallback.Agent{
		AgentID:      agent.AgentID,
		Kind:         agent.Kind,
		DeliveryMode: agent.DeliveryMode,
	}, ticketID, headlessFn, tmuxFn)
	if err != nil {
		writeError(w, err)
		return
	}
	if delivery.Err != nil {
		writeError(w, delivery.Err)
		return
	}

	s.deps.Monitor.Broadcast(r.Context(), "execution.completed", map[string]any{"agentId": agentID, "durationMs": delivery.DurationMs})
	writeJSON(w, http.StatusOK, map[string]any{
		"agentId":    agentID,
		"response":   delivery.Response,
		"durationMs": delivery.DurationMs,
	})
}

func (s *Server) handleCancelExecute(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	s.deps.Runner.Cancel(agentID)
	s.deps.Sessions.CancelExecution(agentID)
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "cancelled": true})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	s.deps.Sessions.EndSession(agentID)
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "ended": true})
}
