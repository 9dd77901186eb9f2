package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"stresslab/internal/runner"
)

// Close codes sent before any message when a subscription is refused.
const (
	CloseUnknownRun = 4404
	CloseBadKey     = 4401
)

const writeWait = 10 * time.Second

// handleWebSocket streams hello, progress and final messages of a run. The
// API key travels in the key query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, lookupErr := s.manager.Get(id)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	if lookupErr != nil {
		closeWith(conn, CloseUnknownRun, "test not found")
		return
	}
	if !s.auth.CheckKey(r.URL.Query().Get("key")) {
		closeWith(conn, CloseBadKey, "invalid API key")
		return
	}

	sub, err := s.manager.Subscribe(id)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, runner.ErrNotFound) {
			code = CloseUnknownRun
		}
		closeWith(conn, code, err.Error())
		return
	}
	defer s.manager.Unsubscribe(sub)

	log := s.log.With().Str("run_id", id).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("websocket subscribed")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		pongWait := 2 * s.pingInterval
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("websocket write")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Debug().Msg("websocket client left")
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second))
}
