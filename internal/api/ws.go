package api

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// event is one JSON message published on /ws (spec.md §4.8). Field
// names mirror the wire document; Type is one of proof:submitted,
// packet:invalid, packet:error, registry:updated.
type event struct {
	Type    string `json:"type"`
	TimeMs  int64  `json:"time_ms"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	// CheckOrigin accepts every origin here; handleWS checks the Origin
	// header against the same CORS allowlist as the rest of the API
	// before it upgrades the connection.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans events out to every connected client. A client that falls
// behind misses the events its buffer has no room for, rather than
// blocking publishers; the client itself stays connected (spec.md
// §4.8: "clients MUST tolerate drops (no at-least-once guarantee)").
type hub struct {
	mu      sync.Mutex
	clients map[string]chan event
}

func newHub() *hub {
	return &hub{clients: make(map[string]chan event)}
}

func (h *hub) add() (string, chan event) {
	id := uuid.NewString()
	ch := make(chan event, 32)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *hub) broadcast(evt event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- evt:
		default:
			// slow client; drop this event for it rather than block the
			// publisher (spec.md §5 ordering guarantees are per-publisher,
			// not per-client).
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
		writeError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("ws upgrade failed")
		return
	}
	defer conn.Close()

	id, ch := s.hub.add()
	defer s.hub.remove(id)

	for evt := range ch {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}
