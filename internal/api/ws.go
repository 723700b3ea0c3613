package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/burst-apps-team/burstpool/internal/pool"
	"github.com/burst-apps-team/burstpool/internal/util"
)

const wsWriteTimeout = 10 * time.Second

// roundHub fans the current-round snapshot out to websocket
// subscribers. Dashboards get a push the moment a round starts instead
// of polling getCurrentRound.
type roundHub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newRoundHub() *roundHub {
	return &roundHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins; CORS policy
			// is enforced by the surrounding middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// handleRoundFeed upgrades the connection and subscribes it to round
// broadcasts. The current round is sent immediately so a fresh client
// never waits a full round for its first update.
func (s *Server) handleRoundFeed(c *gin.Context) {
	conn, err := s.hub.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("Websocket upgrade failed: %v", err)
		return
	}

	s.hub.add(conn)

	if status, err := s.pool.CurrentRound(); err == nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(status); err != nil {
			s.hub.remove(conn)
			return
		}
	}

	// Drain the read side so pings and closes are handled; clients
	// never send application data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()
}

func (h *roundHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *roundHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		conn.Close()
	}
	h.mu.Unlock()
}

// broadcast pushes a round snapshot to every subscriber, dropping
// connections that fail to take the write.
func (h *roundHub) broadcast(status pool.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(status); err != nil {
			delete(h.conns, conn)
			conn.Close()
		}
	}
}

func (h *roundHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.conns {
		delete(h.conns, conn)
		conn.Close()
	}
}
