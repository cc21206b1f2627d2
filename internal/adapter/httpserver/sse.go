package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vendaro/crosslist/internal/domain"
)

const sseKeepAlive = 25 * time.Second

// ProgressStreamHandler streams the caller's progress events as Server-Sent
// Events. The connection stays open until the client disconnects.
func (s *Server) ProgressStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := userID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		// Long-lived stream: the server-wide write deadline must not apply.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		events, cancel := s.Bus.Subscribe(r.Context(), uid)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				// Comment line keeps intermediaries from closing the stream.
				_, _ = fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
				flusher.Flush()
			}
		}
	}
}
