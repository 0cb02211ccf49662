package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SSESink writes events as Server-Sent Events, one JSON data line per event.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares w for streaming and sends the response headers.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

func (s *SSESink) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close is a no-op; the stream ends when the handler returns.
func (s *SSESink) Close() error {
	return nil
}
