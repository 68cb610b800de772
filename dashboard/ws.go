package dashboard

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tsmada/interflow/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Tickets authenticate the upgrade; the origin check is the browser's
	// concern once the ticket requirement holds.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope frames one event on the wire with its type name.
type wsEnvelope struct {
	Event string       `json:"event"`
	Data  events.Event `json:"data"`
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// wsBuffer bounds per-client event buffering; a client that can't keep
	// up misses events rather than stalling the runtime.
	wsBuffer = 256
)

// handleWebSocket upgrades the connection after validating the ticket, then
// streams live events until the client leaves.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		var ticket = r.URL.Query().Get("ticket")
		if ticket == "" {
			http.Error(w, "ticket required", http.StatusUnauthorized)
			return
		}
		var sessionID, err = s.minter.Verify(ticket)
		if err != nil {
			http.Error(w, "invalid ticket", http.StatusForbidden)
			return
		}
		if _, err = s.auth.Resolve(r.Context(), sessionID); err != nil {
			http.Error(w, "session expired", http.StatusForbidden)
			return
		}
	}

	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var sub, cancel = s.dispatcher.Subscribe(wsBuffer)
	defer cancel()

	// The read loop exists to notice the client closing.
	var clientGone = make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var ping = time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsEnvelope{Event: ev.EventName(), Data: ev}); err != nil {
				return
			}
		}
	}
}
