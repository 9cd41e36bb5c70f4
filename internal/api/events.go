package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/bus"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = (eventsPongWait * 9) / 10
)

// EventsHandler bridges the event bus onto WebSocket clients, one event JSON
// document per text frame.
type EventsHandler struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewEventsHandler(b *bus.Bus, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access control is the bearer token, not the Origin header; the
			// consumers are local consoles and operator tooling.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("events_handler"),
	}
}

// Serve handles GET /v1/events. Filters come from query parameters: category
// accepts a comma-separated list, trace_id narrows to one submission. The
// handler blocks until the peer disconnects or the bus drops the subscriber.
func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	filter := bus.Filter{TraceID: r.URL.Query().Get("trace_id")}
	if raw := r.URL.Query().Get("category"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				filter.Categories = append(filter.Categories, bus.Category(c))
			}
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	events, cancel := h.bus.Subscribe(r.Context(), filter)
	defer cancel()

	h.logger.Info("ws: subscriber connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("trace_id", filter.TraceID))

	go h.readPump(conn)
	h.writePump(conn, events)

	h.logger.Info("ws: subscriber disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// readPump discards inbound frames and keeps the pong deadline fresh. The
// stream is one-way; a read error is how we learn the peer went away.
func (h *EventsHandler) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump owns every write on the connection: event frames and pings. A
// closed events channel means the bus dropped us, usually because this
// client read too slowly.
func (h *EventsHandler) writePump(conn *websocket.Conn, events <-chan bus.Event) {
	ticker := time.NewTicker(eventsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription dropped"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
