package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobforge/appcatalog/internal/logging"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// StreamHandler upgrades HTTP requests to websocket connections and relays
// a tenant's catalog change events until the client disconnects.
type StreamHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
	log      *logging.Logger
}

// NewStreamHandler creates a websocket relay over the broker.
func NewStreamHandler(broker *Broker, log *logging.Logger) *StreamHandler {
	if log == nil {
		log = logging.NewDefault("events")
	}
	return &StreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth middleware already vetted the request.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeTenant streams events scoped to one tenant over a websocket.
func (h *StreamHandler) ServeTenant(w http.ResponseWriter, r *http.Request, tenant string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe(tenant)
	defer h.broker.Unsubscribe(sub)

	// Reader goroutine drains control frames and signals disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
