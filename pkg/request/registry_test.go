package request

import (
	"context"
	"sync"
	"testing"

	apperrors "github.com/deckhand-sh/deckhand/pkg/errors"
)

func TestRegisterConflictOnLiveID(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Register(context.Background(), "r1"); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	_, err := reg.Register(context.Background(), "r1")
	if err == nil {
		t.Fatal("expected conflict on duplicate id")
	}
	if !apperrors.IsCode(err, apperrors.ErrCodeConflict) {
		t.Errorf("expected CONFLICT, got %v", err)
	}
}

func TestCancelSignalsContext(t *testing.T) {
	reg := NewRegistry()
	ctx, err := reg.Register(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	if !reg.Cancel("r1") {
		t.Fatal("expected Cancel to find live request")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("expected request context cancelled")
	}
}

func TestCancelUnknownIDIsNoOp(t *testing.T) {
	reg := NewRegistry()
	if reg.Cancel("ghost") {
		t.Error("cancelling unknown id should return false")
	}
}

func TestReleaseRemovesEntry(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	reg.Release("r1")
	if reg.Len() != 0 {
		t.Errorf("expected empty registry after Release, got %d entries", reg.Len())
	}
	if reg.Cancel("r1") {
		t.Error("released id should no longer be cancellable")
	}

	// Release is unconditional; a second call must not panic.
	reg.Release("r1")

	// The id is reusable once released.
	if _, err := reg.Register(context.Background(), "r1"); err != nil {
		t.Errorf("expected id reusable after Release: %v", err)
	}
}

func TestStartedAt(t *testing.T) {
	reg := NewRegistry()
	if _, ok := reg.StartedAt("r1"); ok {
		t.Error("StartedAt should miss before registration")
	}
	if _, err := reg.Register(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	if ts, ok := reg.StartedAt("r1"); !ok || ts.IsZero() {
		t.Error("expected a start timestamp for live request")
	}
}

func TestConcurrentDistinctIDs(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			if _, err := reg.Register(context.Background(), id); err == nil {
				reg.Cancel(id)
				reg.Release(id)
			} else {
				reg.Cancel(id)
			}
		}(i)
	}
	wg.Wait()
}
