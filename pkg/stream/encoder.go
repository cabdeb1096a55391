package stream

import (
	"encoding/json"
	"io"
	"net/http"
)

// Encoder serializes events as newline-delimited JSON and flushes each
// record immediately. Once a terminal event has been written, or a write
// has failed (client gone), subsequent events are dropped silently; a
// half-written stream must never take the request down with it.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
	done    bool
	failed  bool
}

// NewEncoder wraps a client connection. When w implements http.Flusher
// every record is flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// PrepareHeaders sets the response headers for an NDJSON stream. Must be
// called before the first Encode.
func PrepareHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/x-ndjson")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
}

// Encode writes one event record. The first terminal event closes the
// stream; anything after it is ignored.
func (e *Encoder) Encode(event Event) {
	if e == nil || e.done || e.failed {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.failed = true
		return
	}
	payload = append(payload, '\n')
	if _, err := e.w.Write(payload); err != nil {
		e.failed = true
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	if event.Terminal() {
		e.done = true
	}
}

// Closed reports whether a terminal event has been written.
func (e *Encoder) Closed() bool {
	return e != nil && e.done
}

// Failed reports whether a write error was observed (client disconnect).
func (e *Encoder) Failed() bool {
	return e != nil && e.failed
}
