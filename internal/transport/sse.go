package transport

import (
	"fmt"
	"net/http"
	"sync"
)

// eventWriter writes server-sent events, flushing after each one.
type eventWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func startEvents(w http.ResponseWriter, f http.Flusher) *eventWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &eventWriter{w: w, f: f}
}

// event writes one event. data must not contain newlines; compact JSON
// never does.
func (e *eventWriter) event(name string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

func (e *eventWriter) comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}
