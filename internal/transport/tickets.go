package transport

import (
	"encoding/json"
	"net/http"

	"github.com/kokino/broker/internal/broker/ticket"
)

func (s *Server) registerTicketRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents/{id}/send", s.handleSend)
	mux.HandleFunc("GET /agents/{id}/tickets/pending", s.handlePendingTickets)
	mux.HandleFunc("POST /tickets/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /replies", s.handlePostReply)
}

type sendRequest struct {
	OriginAgent string         `json:"originAgent"`
	Payload     string         `json:"payload"`
	Metadata    map[string]any `json:"metadata"`
	ExpectReply bool           `json:"expectReply"`
	TimeoutMs   int            `json:"timeoutMs"`
	Wait        bool           `json:"wait"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	targetAgent := r.PathValue("id")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("transport.send", "invalid JSON body"))
		return
	}
	if req.Payload == "" {
		writeError(w, badRequest("transport.send", "payload is required"))
		return
	}

	t, err := s.deps.Tickets.Enqueue(r.Context(), ticket.EnqueueInput{
		TargetAgent: targetAgent,
		OriginAgent: req.OriginAgent,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		ExpectReply: req.ExpectReply,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Telemetry.Record("TicketEnqueued", targetAgent, map[string]any{"ticketId": t.TicketID, "expectReply": t.ExpectReply})
	s.deps.Monitor.Broadcast(r.Context(), "ticket.enqueued", map[string]any{"ticketId": t.TicketID, "targetAgent": t.TargetAgent, "originAgent": t.OriginAgent})

	if !req.ExpectReply || !req.Wait {
		writeJSON(w, http.StatusCreated, ticketDTO(t))
		return
	}

	payload, err := s.deps.Tickets.Wait(r.Context(), t.TicketID, t.TimeoutMs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticketId": t.TicketID, "response": payload})
}

func (s *Server) handlePendingTickets(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	tickets, err := s.deps.Tickets.GetPending(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(tickets))
	for i := range tickets {
		out = append(out, ticketDTO(&tickets[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": out})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("id")
	if err := s.deps.Tickets.Acknowledge(r.Context(), ticketID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticketId": ticketID, "status": ticket.StatusDelivered})
}

type postReplyRequest struct {
	TicketID    string         `json:"ticketId"`
	OriginAgent string         `json:"originAgent"`
	Payload     string         `json:"payload"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handlePostReply(w http.ResponseWriter, r *http.Request) {
	var req postReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, badRequest("transport.postReply", "invalid JSON body"))
		return
	}
	if req.TicketID == "" {
		writeError(w, badRequest("transport.postReply", "ticketId is required"))
		return
	}

	t, err := s.deps.Tickets.PostReply(r.Context(), req.TicketID, req.Payload, req.OriginAgent, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Telemetry.Record("TicketResponded", t.TargetAgent, map[string]any{"ticketId": t.TicketID})
	s.deps.Monitor.Broadcast(r.Context(), "ticket.responded", map[string]any{"ticketId": t.TicketID})
	writeJSON(w, http.StatusOK, ticketDTO(t))
}

func ticketDTO(t *ticket.Ticket) map[string]any {
	dto := map[string]any{
		"ticketId":    t.TicketID,
		"targetAgent": t.TargetAgent,
		"originAgent": t.OriginAgent,
		"payload":     t.Payload,
		"metadata":    t.Metadata,
		"expectReply": t.ExpectReply,
		"timeoutMs":   t.TimeoutMs,
		"status":      t.Status,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
	if t.Response != nil {
		dto["response"] = *t.Response
	}
	return dto
}
