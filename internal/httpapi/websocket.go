package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/streaming"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token-based auth is out of scope; the service sits behind a trusted
	// proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams session events over a WebSocket connection. The
// server closes the socket after delivering the terminal event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sub, release, err := s.orch.Observe(id, parseSinceSeq(r))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.logger.Warn("websocket upgrade failed",
			zap.String("session_id", id),
			zap.Error(err))
		return
	}

	// current status first, so a late joiner knows where the session stands
	if summary, serr := s.orch.Status(id); serr == nil {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if werr := conn.WriteJSON(map[string]any{"status": summary}); werr != nil {
			release()
			conn.Close()
			return
		}
	}

	go s.wsWritePump(conn, sub.Events(), release, id)
	s.wsReadPump(conn)
}

// wsReadPump discards client frames and keeps the pong deadline fresh.
// Returning closes the connection, which in turn unblocks the write pump.
func (s *Server) wsReadPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, events <-chan streaming.Event, release func(), id string) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		release()
		conn.Close()
	}()

	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.Marshal()); err != nil {
				s.logger.Debug("websocket write failed",
					zap.String("session_id", id),
					zap.Error(err))
				return
			}
		}
	}
}
