package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kokino/broker/internal/broker/agentreg"
)

func (s *Server) registerAgentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents/register", s.handleRegisterAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /agents/{id}/heartbeat", s.handleHeartbeat)
}

type registerAgentRequest struct {
	AgentID             string         `json:"agentId"`
	Kind                string         `json:"kind"`
	DeliveryMode        string         `json:"deliveryMode"`
	HeartbeatIntervalMs int            `json:"heartbeatIntervalMs"`
	Metadata            map[string]any `json:"metadata"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("transport.registerAgent", "invalid JSON body"))
		return
	}
	if req.AgentID == "" || req.Kind == "" {
		writeError(w, badRequest("transport.registerAgent", "agentId and kind are required"))
		return
	}
	if req.DeliveryMode == "" {
		req.DeliveryMode = "headless"
	}

	agent, err := s.deps.Agents.Register(r.Context(), req.AgentID, req.Kind, req.DeliveryMode, req.HeartbeatIntervalMs, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Telemetry.Record("AgentRegistered", agent.AgentID, map[string]any{"kind": agent.Kind, "deliveryMode": agent.DeliveryMode})
	writeJSON(w, http.StatusCreated, agentDTO(agent))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := s.deps.Agents.Delete(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Sessions.EndSession(agentID)
	s.deps.Telemetry.Record("AgentDeleted", agentID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type heartbeatRequest struct {
	PID int `json:"pid"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.deps.Agents.Heartbeat(r.Context(), agentID, req.PID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agentId": agentID, "acknowledgedAt": time.Now().UTC()})
}

func agentDTO(a *agentreg.Agent) map[string]any {
	dto := map[string]any{
		"agentId":             a.AgentID,
		"kind":                a.Kind,
		"status":              a.Status,
		"deliveryMode":        a.DeliveryMode,
		"metadata":            a.Metadata,
		"heartbeatIntervalMs": a.HeartbeatIntervalMs,
		"homeDir":             a.HomeDir,
		"createdAt":           a.CreatedAt,
		"updatedAt":           a.UpdatedAt,
	}
	if a.LastHeartbeat != nil {
		dto["lastHeartbeat"] = *a.LastHeartbeat
	}
	if a.PID != nil {
		dto["pid"] = *a.PID
	}
	return dto
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
