package stream

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stream")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// The UI may be served from a dev server on another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler pushes session events to a browser as JSON text frames.
type WSHandler struct {
	broadcaster *Broadcaster
	// OnConnect, if set, is called with each new listener before it is
	// served, so the caller can queue the current state.
	OnConnect func(l *Listener)
}

// NewWSHandler creates a WebSocket event stream handler.
func NewWSHandler(b *Broadcaster) *WSHandler {
	return &WSHandler{broadcaster: b}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	clog := log.WithField("session", id)

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)
	if h.OnConnect != nil {
		h.OnConnect(listener)
	}

	clog.Infof("Event client connected (total: %d)", h.broadcaster.ListenerCount())
	defer clog.Info("Event client disconnected")

	// Drain reads so close frames and pings are handled.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-listener.done:
			return
		case ev := <-listener.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				clog.WithError(err).Debug("Event write failed")
				return
			}
		}
	}
}
