// Package stream defines the typed event records emitted by execution
// adapters and the newline-delimited JSON transport that carries them to
// clients.
package stream

import (
	"encoding/json"
	"time"
)

// EventType discriminates the records in a request's event stream.
type EventType string

const (
	EventStart   EventType = "start"
	EventData    EventType = "data"
	EventError   EventType = "error"
	EventAborted EventType = "aborted"
	EventExit    EventType = "exit"
	EventDone    EventType = "done"
)

// Output channels for data events produced by a subprocess.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// Event is one discrete record in a request's ordered output stream.
// Data carries raw process output; Payload carries a structured assistant
// message verbatim. Exactly one of them is set on a data event.
type Event struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Data      string          `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Code      *int            `json:"code,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventAborted, EventExit, EventDone, EventError:
		return true
	default:
		return false
	}
}

// Start builds the initial event for a request.
func Start(requestID string) Event {
	return Event{Type: EventStart, RequestID: requestID, Timestamp: time.Now().UTC()}
}

// Data builds a data event carrying raw subprocess output.
func Data(channel, data string) Event {
	return Event{Type: EventData, Channel: channel, Data: data, Timestamp: time.Now().UTC()}
}

// Structured builds a data event carrying an assistant message verbatim.
func Structured(payload json.RawMessage) Event {
	return Event{Type: EventData, Payload: payload, Timestamp: time.Now().UTC()}
}

// Error builds a terminal error event.
func Error(message string) Event {
	return Event{Type: EventError, Message: message, Timestamp: time.Now().UTC()}
}

// Failure builds a terminal error event tagged with a taxonomy code so
// clients can tell launch, configuration, and runtime faults apart.
func Failure(code, message string) Event {
	return Event{Type: EventError, ErrorCode: code, Message: message, Timestamp: time.Now().UTC()}
}

// Aborted builds the terminal event for a cancelled request.
func Aborted() Event {
	return Event{Type: EventAborted, Timestamp: time.Now().UTC()}
}

// Exit builds the terminal event for a normally exited process.
func Exit(code int) Event {
	return Event{Type: EventExit, Code: &code, Timestamp: time.Now().UTC()}
}

// Done builds the terminal event emitted after the assistant completes.
func Done() Event {
	return Event{Type: EventDone, Timestamp: time.Now().UTC()}
}
