package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"lingocast/native/internal/connection"
	"lingocast/native/internal/domain"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local API: any origin may subscribe.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventMessage is one entry of the /events stream.
type EventMessage struct {
	Source   string            `json:"source"`
	Kind     string            `json:"kind"`
	State    *connection.State `json:"state,omitempty"`
	Code     int               `json:"code,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	Error    string            `json:"error,omitempty"`
	RemoteID string            `json:"remoteId,omitempty"`
}

// ConnectionEvent converts a control-channel event.
func ConnectionEvent(ev connection.Event) EventMessage {
	state := ev.State
	msg := EventMessage{
		Source: "connection",
		Kind:   ev.Kind.String(),
		State:  &state,
		Code:   ev.Code,
		Reason: ev.Reason,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}

// PeerEvent converts a peer transport state change.
func PeerEvent(remoteID string, state domain.PeerState) EventMessage {
	return EventMessage{Source: "peer", Kind: string(state), RemoteID: remoteID}
}

// ErrorEvent reports a signaling or negotiation failure.
func ErrorEvent(err error) EventMessage {
	return EventMessage{Source: "coordinator", Kind: "error", Error: err.Error()}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans published events out to every /events subscriber.
type hub struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub(log logging.LeveledLogger) *hub {
	return &hub{log: log, clients: make(map[*client]struct{})}
}

func (h *hub) serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("upgrade event stream: %v", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.log.Debugf("event subscriber %s joined", conn.RemoteAddr())

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *hub) remove(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg EventMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("marshal event: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- data:
		default:
			h.log.Warnf("event subscriber %s is slow, dropping event", cl.conn.RemoteAddr())
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// readPump discards inbound frames and unregisters the client when the
// connection ends.
func (h *hub) readPump(cl *client) {
	defer func() {
		h.remove(cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugf("event subscriber: %v", err)
			}
			return
		}
	}
}

func (h *hub) writePump(cl *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Debugf("write event: %v", err)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
