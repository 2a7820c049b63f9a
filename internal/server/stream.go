package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomchat/internal/delivery"
	"roomchat/internal/session"
)

const (
	writeWait    = 5 * time.Second
	pingEvery    = 15 * time.Second
	maxFrameSize = 1 << 16
)

// clientEvent is an envelope pushed by the UI over the event stream
type clientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type stream struct {
	logger   *zap.SugaredLogger
	registry *session.Registry
	upgrader websocket.Upgrader
}

func newStream(logger *zap.SugaredLogger, registry *session.Registry) *stream {
	return &stream{
		logger:   logger,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET "/events?session=<id>": pushes session events to the socket
// and applies send-message and typing envelopes read from it
func (st *stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	s, err := st.registry.Get(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, "Session does not exist", http.StatusBadRequest)
		return
	}

	conn, err := st.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		st.logger.Warnf("websocket upgrade: %v", err)
		return
	}

	done := make(chan struct{})
	go st.writeLoop(conn, s, done)
	st.readLoop(r.Context(), conn, s)
	close(done)

	if err := conn.Close(); err != nil {
		st.logger.Debugf("websocket close: %v", err)
	}
}

func (st *stream) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(2 * pingEvery))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * pingEvery))
	})

	for {
		var ev clientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.logger.Debugf("websocket read: %v", err)
			}
			return
		}

		switch ev.Type {
		case delivery.EventSendMessage:
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				st.logger.Debugf("Malformed %s payload: %v", ev.Type, err)
				continue
			}
			s.SendMessage(ctx, p.Text)
		case delivery.EventTyping:
			var p delivery.TypingData
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				st.logger.Debugf("Malformed %s payload: %v", ev.Type, err)
				continue
			}
			s.SetTyping(ctx, p.IsTyping)
		default:
			st.logger.Debugf("Ignoring %q event from client", ev.Type)
		}
	}
}

// writeLoop forwards session events until the session closes or readLoop returns
func (st *stream) writeLoop(conn *websocket.Conn, s *session.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				st.logger.Debugf("websocket write: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
