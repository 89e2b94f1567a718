package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketindex/internal/bus"
)

const heartbeatInterval = 15 * time.Second

// handleLive streams the market's bus traffic as Server-Sent Events. One
// bus subscription per connection; a ":ping" comment every 15s keeps
// proxies from reaping idle streams. Delivery is at-most-once — a client
// that needs a gapless history re-reads the paged endpoints.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	market := s.resolveMarket(w, r)
	if market == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer cannot stream")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.deps.Bus.Subscribe("trades."+market.ID, "comments."+market.ID)
	defer sub.Close()

	s.logger.Debug("live stream opened", "marketId", market.ID)

	// clients use the first ping to confirm the stream is up
	fmt.Fprint(w, ":ping\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("live stream closed by client", "marketId", market.ID)
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-sub.C:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(msg), msg.Data)
			flusher.Flush()
		}
	}
}

// eventName picks the SSE event type: the message's own type field when
// present (trade, indexed, comment), the topic prefix otherwise.
func eventName(msg bus.Message) string {
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(msg.Data, &head) == nil && head.Type != "" {
		return head.Type
	}
	kind, _, _ := strings.Cut(msg.Topic, ".")
	return strings.TrimSuffix(kind, "s")
}
