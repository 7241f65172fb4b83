package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jonathan/collagent/internal/job"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event. A non-zero id lets clients resume.
func (s *SSEWriter) WriteEvent(event string, id uint64, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteJobEvent sends a job progress event named after its kind.
func (s *SSEWriter) WriteJobEvent(ev job.Event) error {
	return s.WriteEvent(string(ev.Kind), ev.Seq, ev)
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(kind, message string) {
	s.WriteEvent("error", 0, map[string]string{"error": kind, "message": message}) //nolint:errcheck
}

// Heartbeat sends a comment line to keep idle connections open.
func (s *SSEWriter) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
