// ws.go relays a market's bus traffic over a WebSocket. The stream
// carries the same messages as the SSE endpoint; clients that already
// speak WebSocket for other feeds can reuse their plumbing here.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 90 * time.Second // ~2 missed pings drops the client
	wsPingPeriod   = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browsers hit this endpoint from arbitrary dashboards
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope frames one bus message for the wire.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn("websocket upgrade failed", "marketId", market.ID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Bus.Subscribe("trades."+market.ID, "comments."+market.ID)
	defer sub.Close()

	s.logger.Debug("websocket relay opened", "marketId", market.ID)

	// reader: inbound frames are discarded, but reading drives the pong
	// handler and detects the close handshake
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-sub.C:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteJSON(wsEnvelope{Event: eventName(msg), Data: json.RawMessage(msg.Data)})
			if err != nil {
				s.logger.Debug("websocket write failed", "marketId", market.ID, "error", err)
				return
			}
		}
	}
}
