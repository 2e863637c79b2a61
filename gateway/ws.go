package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"minbar/etc"
	"minbar/event"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadLimit     = 1 << 20 // audio frames come base64-encoded in JSON
	wsOutboundDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to Outbound. Writes go through a
// buffered channel so one slow reader never blocks a broadcast.
type wsConn struct {
	conn   *websocket.Conn
	logger *log.Logger

	send      chan event.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, logger *log.Logger) *wsConn {
	return &wsConn{
		conn:   conn,
		logger: logger,
		send:   make(chan event.Envelope, wsOutboundDepth),
		done:   make(chan struct{}),
	}
}

func (w *wsConn) Send(env event.Envelope) bool {
	select {
	case w.send <- env:
		return true
	case <-w.done:
		return false
	default:
		return false
	}
}

func (w *wsConn) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

func (w *wsConn) writeLoop() {
	defer w.conn.Close()
	for {
		select {
		case env := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := w.conn.WriteJSON(env); err != nil {
				w.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-w.done:
			w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	connID := etc.NewFreshID()
	ws := newWSConn(conn, g.logger)
	g.Register(connID, ws)
	go ws.writeLoop()

	defer g.Disconnect(connID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("websocket read failed", "conn", connID, "error", err)
			}
			return
		}

		env, err := event.Decode(data)
		if err != nil {
			ws.Send(event.AsEnvelope(event.E(event.CodeValidation, "%s", err)))
			continue
		}
		if err := g.HandleEvent(r.Context(), connID, env); err != nil {
			ws.Send(event.AsEnvelope(err))
		}
	}
}
