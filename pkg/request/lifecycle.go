package request

import (
	"context"
	"fmt"
	"sync"

	"github.com/deckhand-sh/deckhand/pkg/stream"
)

// Runner is an execution adapter: it produces the ordered event stream for
// one request and returns when the stream is finished. Run must observe
// ctx cancellation within its next blocking read.
type Runner interface {
	Run(ctx context.Context, emit func(stream.Event))
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, emit func(stream.Event))

func (f RunnerFunc) Run(ctx context.Context, emit func(stream.Event)) { f(ctx, emit) }

// Manager orchestrates one request end to end: register the cancellation
// handle, run the adapter, enforce the single-terminal-event contract, and
// release the registry entry on every exit path.
type Manager struct {
	registry *Registry
}

// NewManager creates a lifecycle manager over the given registry.
func NewManager(registry *Registry) *Manager {
	return &Manager{registry: registry}
}

// Registry exposes the underlying registry for diagnostics.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start registers requestID and launches the runner. Events arrive on the
// returned channel in production order; the stream always ends with exactly
// one terminal event and the channel is then closed. Registration conflicts
// surface as an error before anything runs.
func (m *Manager) Start(ctx context.Context, requestID string, runner Runner) (<-chan stream.Event, error) {
	reqCtx, err := m.registry.Register(ctx, requestID)
	if err != nil {
		return nil, err
	}

	events := make(chan stream.Event, 64)
	go func() {
		defer close(events)
		defer m.registry.Release(requestID)

		terminal := false
		send := func(ev stream.Event) {
			select {
			case events <- ev:
			case <-reqCtx.Done():
				// Consumer stopped draining; the terminal event below
				// still runs so cleanup is observable in tests.
				select {
				case events <- ev:
				default:
				}
			}
		}
		// Adapters may emit from several pump goroutines.
		var emitMu sync.Mutex
		emit := func(ev stream.Event) {
			emitMu.Lock()
			defer emitMu.Unlock()
			if terminal {
				return
			}
			if ev.Terminal() {
				terminal = true
			}
			send(ev)
		}

		defer func() {
			if rec := recover(); rec != nil {
				emit(stream.Error(fmt.Sprintf("adapter panic: %v", rec)))
			}
		}()

		runner.Run(reqCtx, emit)

		// Adapters are expected to finish their own stream; backstop with
		// the terminal event matching how the request ended.
		emitMu.Lock()
		missing := !terminal
		emitMu.Unlock()
		if missing {
			if reqCtx.Err() != nil {
				emit(stream.Aborted())
			} else {
				emit(stream.Error("adapter finished without a terminal event"))
			}
		}
	}()

	return events, nil
}

// Cancel signals the in-flight request with the given id. Returns false if
// no such request is live.
func (m *Manager) Cancel(requestID string) bool {
	return m.registry.Cancel(requestID)
}
