package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type wsFrame struct {
	Message string `json:"message"`
}

type wsReply struct {
	SessionID string `json:"session_id,omitempty"`
	Reply     string `json:"reply,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleChatWS runs one chat per connection. The session lives as long as
// the connection does.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	userID := "ws:" + sessionID
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.relay.Clear(ctx, userID); err != nil {
			s.logger.Warn("failed to clear websocket session", "session_id", sessionID, "error", err)
		}
	}()

	ctx := r.Context()
	conn.SetReadLimit(maxBodyBytes)
	if err := s.write(conn, wsReply{SessionID: sessionID}); err != nil {
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}

		message := strings.TrimSpace(frame.Message)
		if message == "" {
			if err := s.write(conn, wsReply{Error: "Please send a valid message."}); err != nil {
				return
			}
			continue
		}

		s.opts.Metrics.Update("web")
		start := time.Now()
		reply := s.relay.Respond(ctx, userID, message)
		s.opts.Metrics.Reply(outcome(reply.Fallback), time.Since(start))

		if err := s.write(conn, wsReply{Reply: reply.Text, Fallback: reply.Fallback}); err != nil {
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, v wsReply) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}
