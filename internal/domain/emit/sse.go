package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SSEWriter serializes server-sent events to the client. Every write flushes
// so deltas reach the client immediately. Not safe for concurrent use.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	wrote   bool
}

// NewSSEWriter wraps a response writer. SSE headers are the caller's job.
func NewSSEWriter(w io.Writer) *SSEWriter {
	s := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// WroteAny reports whether any byte has been emitted; once true, errors must
// surface as an SSE error event rather than a JSON body.
func (s *SSEWriter) WroteAny() bool {
	return s.wrote
}

// Data writes one `data:` frame with the JSON encoding of v.
func (s *SSEWriter) Data(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(fmt.Sprintf("data: %s\n\n", payload))
}

// Event writes a named event frame with a JSON payload.
func (s *SSEWriter) Event(name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload))
}

// Done writes the literal terminator line.
func (s *SSEWriter) Done() error {
	return s.raw("data: [DONE]\n\n")
}

// Error writes a mid-stream error frame followed by the terminator.
func (s *SSEWriter) Error(body any) error {
	if err := s.Event("error", body); err != nil {
		return err
	}
	return s.Done()
}

func (s *SSEWriter) raw(frame string) error {
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.wrote = true
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
