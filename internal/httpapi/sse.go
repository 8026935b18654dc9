package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// streamCoordination serves STREAM /projects/{id}/coordination/live: a
// Server-Sent Events projection of the project's Event Bus.
func (s *Server) streamCoordination(w http.ResponseWriter, r *http.Request) {
	p, ok := s.project(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := p.Bus.Subscribe(p.ID, nil)
	defer unsubscribe()

	ctx := r.Context()
	s.log.Info("coordination stream connected", "project", p.ID, "remote", r.RemoteAddr)
	defer s.log.Info("coordination stream disconnected", "project", p.ID, "remote", r.RemoteAddr)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			blob, err := json.Marshal(event)
			if err != nil {
				s.log.Error("marshal coordination event", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, blob)
			flusher.Flush()
		}
	}
}
