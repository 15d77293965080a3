package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"autoreach/internal/eventbus"
	logx "autoreach/pkg/logx"
)

const sseHeartbeat = 15 * time.Second

// handleEvents streams bus events as server-sent events until the client
// goes away. A slow client loses events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	events, unsubscribe := s.d.Bus.Subscribe(64)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.d.Log.Debug("sse encode failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev eventbus.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
