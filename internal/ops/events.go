package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleStreamEvents streams completion events over SSE until the worker
// stops or the client disconnects. Events come from the in-process tap;
// the authoritative stream remains the result exchange.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	if s.tap == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing to a closed tap returns a closed channel, so a worker
	// that already stopped yields an immediate done event.
	ch, unsub := s.tap.Subscribe()
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case res, ok := <-ch:
			if !ok {
				// Worker stopped; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "worker stopped")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				s.logger.Error("marshal event for SSE", "error", err)
				continue
			}
			if err := writeSSEEvent(w, "result", string(payload)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
