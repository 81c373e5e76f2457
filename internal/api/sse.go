package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter writes `data: {json}` frames and flushes each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return s.rc.Flush()
}

type sseContent struct {
	Content string `json:"content"`
}

type sseDone struct {
	Done             bool `json:"done"`
	MessageCount     int  `json:"message_count"`
	MessagesRequired int  `json:"messages_required"`
	PhaseComplete    bool `json:"phase_complete"`
}

type sseError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
