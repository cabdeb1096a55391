package devauth

import "sync"

// Decision is the operator's answer for one pending verification.
type Decision struct {
	Approved bool
	Token    string
}

// slotTable holds one waiting verify call per device. A decision can only be
// delivered to a live waiter; resolving with nobody waiting drops the
// decision, so a token never outlives the request that must receive it.
// Channels are buffered so a resolver never blocks on a waiter that already
// left.
type slotTable struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func newSlotTable() *slotTable {
	return &slotTable{pending: make(map[string]chan Decision)}
}

// await registers a waiter for deviceID. Only one waiter may exist per
// device at a time; the second call reports false.
func (t *slotTable) await(deviceID string) (<-chan Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[deviceID]; exists {
		return nil, false
	}
	ch := make(chan Decision, 1)
	t.pending[deviceID] = ch
	return ch, true
}

// resolve delivers the decision to the waiter and reports whether one was
// there to receive it. The slot is removed under the lock before sending,
// so a decision is delivered at most once.
func (t *slotTable) resolve(deviceID string, d Decision) bool {
	t.mu.Lock()
	ch, exists := t.pending[deviceID]
	if exists {
		delete(t.pending, deviceID)
	}
	t.mu.Unlock()
	if exists {
		ch <- d
	}
	return exists
}

// abandon removes the waiter's own slot after a timeout or disconnect.
func (t *slotTable) abandon(deviceID string) {
	t.mu.Lock()
	delete(t.pending, deviceID)
	t.mu.Unlock()
}

// waiting reports whether a verify call is blocked on deviceID.
func (t *slotTable) waiting(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[deviceID]
	return ok
}

func (t *slotTable) waiters() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
