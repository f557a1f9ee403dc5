package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-studio/internal/protocol"
	"github.com/loqalabs/loqa-studio/internal/view"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

type notificationPayload struct {
	Message string `json:"message"`
}

// handleWS streams the caller's session state. Each transition is sent as a
// "state" envelope; a pending failure is delivered once as "notification".
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	s := r.session(w, req)
	conn, err := r.upgrader.Upgrade(w, req, w.Header())
	if err != nil {
		r.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates := make(chan view.State, 16)
	cancel := s.Subscribe(func(st view.State) {
		select {
		case updates <- st:
		default:
		}
	})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if err := r.pushState(conn, s, s.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-req.Context().Done():
			return
		case st := <-updates:
			if err := r.pushState(conn, s, st); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Router) pushState(conn *websocket.Conn, s *view.Session, st view.State) error {
	notification := st.Notification
	st.Notification = ""
	if err := r.writeEnvelope(conn, protocol.MessageState, st); err != nil {
		return err
	}
	if notification == "" {
		return nil
	}
	if msg := s.TakeNotification(); msg != "" {
		return r.writeEnvelope(conn, protocol.MessageNotification, notificationPayload{Message: msg})
	}
	return nil
}

func (r *Router) writeEnvelope(conn *websocket.Conn, msgType protocol.MessageType, payload any) error {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		r.logger.Warn("encode websocket message failed", slog.String("error", err.Error()))
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
