package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/bridge"
)

type fakeCall struct {
	mu     sync.Mutex
	state  bridge.State
	events []bridge.LifecycleEvent
	err    error
}

func (f *fakeCall) State() bridge.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCall) HandleLifecycleEvent(ctx context.Context, event bridge.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeCall) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := New(observability.NewLogger())
	call := &fakeCall{state: bridge.StateActive}

	if err := reg.Register("CA1", call); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if got, ok := reg.Lookup("CA1"); !ok || got != call {
		t.Errorf("expected lookup to return the registered call")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 registered call, got %d", reg.Len())
	}

	reg.Remove("CA1")
	if _, ok := reg.Lookup("CA1"); ok {
		t.Errorf("expected call to be absent after removal")
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := New(observability.NewLogger())
	if err := reg.Register("CA1", &fakeCall{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	err := reg.Register("CA1", &fakeCall{})
	if !errors.Is(err, ErrDuplicateCall) {
		t.Errorf("expected ErrDuplicateCall, got %v", err)
	}

	reg.Remove("CA1")
	if err := reg.Register("CA1", &fakeCall{}); err != nil {
		t.Errorf("expected registration to succeed after removal, got %v", err)
	}
}

func TestRegistryRejectsEmptyCallID(t *testing.T) {
	reg := New(observability.NewLogger())
	if err := reg.Register("", &fakeCall{}); err == nil {
		t.Errorf("expected error for empty call id")
	}
}

func TestRegistryRemoveUnknownIsNoOp(t *testing.T) {
	reg := New(observability.NewLogger())
	reg.Remove("CA-unknown")
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryDeliver(t *testing.T) {
	reg := New(observability.NewLogger())
	call := &fakeCall{}
	if err := reg.Register("CA1", call); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	event := bridge.LifecycleEvent{Type: bridge.LifecycleDisconnected, Reason: "caller_hangup"}
	if err := reg.Deliver(context.Background(), "CA1", event); err != nil {
		t.Fatalf("unexpected deliver error: %v", err)
	}
	if call.eventCount() != 1 {
		t.Errorf("expected 1 delivered event, got %d", call.eventCount())
	}

	err := reg.Deliver(context.Background(), "CA-missing", event)
	if !errors.Is(err, ErrCallNotFound) {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
}

func TestRegistryBroadcast(t *testing.T) {
	reg := New(observability.NewLogger())
	first := &fakeCall{}
	second := &fakeCall{}
	failing := &fakeCall{err: bridge.ErrTerminated}
	for id, call := range map[string]*fakeCall{"CA1": first, "CA2": second, "CA3": failing} {
		if err := reg.Register(id, call); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}

	reg.Broadcast(context.Background(), bridge.LifecycleEvent{
		Type:   bridge.LifecycleDisconnected,
		Reason: "server_shutdown",
	})

	if first.eventCount() != 1 || second.eventCount() != 1 {
		t.Errorf("expected broadcast to reach all healthy calls, got %d and %d",
			first.eventCount(), second.eventCount())
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := New(observability.NewLogger())
	for _, id := range []string{"CA3", "CA1", "CA2"} {
		if err := reg.Register(id, &fakeCall{state: bridge.StateActive}); err != nil {
			t.Fatalf("unexpected register error: %v", err)
		}
	}

	snapshot := reg.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snapshot))
	}
	for i, want := range []string{"CA1", "CA2", "CA3"} {
		if snapshot[i].CallID != want {
			t.Errorf("expected entry %d to be %s, got %s", i, want, snapshot[i].CallID)
		}
	}
	if snapshot[0].State != "active" {
		t.Errorf("expected state to be rendered, got %q", snapshot[0].State)
	}
}

func TestRegistryWaitIdle(t *testing.T) {
	reg := New(observability.NewLogger())
	if err := reg.Register("CA1", &fakeCall{}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := reg.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while a call is registered, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- reg.WaitIdle(context.Background())
	}()
	reg.Remove("CA1")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected idle wait to succeed after removal, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitIdle did not return after the last call was removed")
	}
}
