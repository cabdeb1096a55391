package server

import "golang.org/x/sync/semaphore"

// connGate caps how many long-lived connections of one kind (NDJSON
// streams, PTY sessions) may be open at once. Admission never blocks: a
// caller over the cap is turned away immediately. A non-positive max
// leaves the gate open.
type connGate struct {
	sem *semaphore.Weighted
}

func newConnGate(max int) *connGate {
	g := &connGate{}
	if max > 0 {
		g.sem = semaphore.NewWeighted(int64(max))
	}
	return g
}

func (g *connGate) tryAcquire() bool {
	if g == nil || g.sem == nil {
		return true
	}
	return g.sem.TryAcquire(1)
}

func (g *connGate) release() {
	if g == nil || g.sem == nil {
		return
	}
	g.sem.Release(1)
}
