package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/kokino/broker/internal/broker/monitor"
)

func (s *Server) registerWebsocketRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/monitoring", s.handleMonitoringSocket)
	mux.HandleFunc("GET /ws/terminal/{agentId}", s.handleTerminalSocket)
}

type clientFilterMessage struct {
	Op     string   `json:"op"`
	Agents []string `json:"agents"`
	Types  []string `json:"types"`
}

func (s *Server) handleMonitoringSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("monitoring websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	id := s.deps.Monitor.AddSubscriber(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientFilterMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Op == "setFilters" {
			s.deps.Monitor.SetFilters(r.Context(), id, monitor.Filters{Agents: msg.Agents, Types: msg.Types})
		}
	}
}

func (s *Server) handleTerminalSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if s.deps.Terminals == nil || !s.deps.Terminals.HasTerminal(agentID) {
		http.Error(w, "no terminal for agent", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("terminal websocket accept failed", "agent_id", agentID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	term, ok := s.deps.Terminals.Terminal(agentID)
	if !ok {
		return
	}
	if snapshot := term.ScreenSnapshot(); len(snapshot) > 0 {
		_ = conn.Write(ctx, websocket.MessageBinary, snapshot)
	}
	term.SetListener(func(data []byte) {
		_ = conn.Write(ctx, websocket.MessageBinary, data)
	})
	defer term.SetListener(nil)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary, websocket.MessageText:
			_ = s.deps.Terminals.SendInput(agentID, data)
		}
	}
}
