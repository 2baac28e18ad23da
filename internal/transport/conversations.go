package transport

import (
	"net/http"

	"github.com/kokino/broker/internal/broker/convo"
)

func (s *Server) registerConversationRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /agents/{id}/conversations", s.handleListAgentConversations)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	turns, err := s.deps.Convos.GetTurns(r.Context(), conversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(turns))
	for i := range turns {
		out = append(out, turnDTO(&turns[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conversationID, "turns": out})
}

func (s *Server) handleListAgentConversations(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	conversations, err := s.deps.Convos.ListAgentConversations(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(conversations))
	for i := range conversations {
		c := &conversations[i]
		out = append(out, map[string]any{
			"conversationId": c.ConversationID,
			"agentId":        c.AgentID,
			"title":          c.Title,
			"metadata":       c.Metadata,
			"createdAt":      c.CreatedAt,
			"updatedAt":      c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func turnDTO(t *convo.Turn) map[string]any {
	return map[string]any{
		"turnId":         t.TurnID,
		"conversationId": t.ConversationID,
		"role":           t.Role,
		"content":        t.Content,
		"metadata":       t.Metadata,
		"createdAt":      t.CreatedAt,
	}
}
