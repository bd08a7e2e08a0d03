package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"voice-server/internal/observability"
	"voice-server/internal/voice/bridge"
)

// ErrDuplicateCall is returned when a call identifier is already registered.
var ErrDuplicateCall = errors.New("call already registered")

// ErrCallNotFound is returned when no active bridge exists for an identifier.
var ErrCallNotFound = errors.New("call not found")

// Call is the registry's view of an active bridge.
type Call interface {
	State() bridge.State
	HandleLifecycleEvent(ctx context.Context, event bridge.LifecycleEvent) error
}

// ActiveCall describes one registered call for listings.
type ActiveCall struct {
	CallID string `json:"call_id"`
	State  string `json:"state"`
}

// Registry tracks the bridges of all in-flight calls in this process. Each
// call identifier maps to at most one bridge at a time.
type Registry struct {
	mu     sync.RWMutex
	calls  map[string]Call
	wg     sync.WaitGroup
	logger *observability.Logger
}

func New(logger *observability.Logger) *Registry {
	return &Registry{
		calls:  make(map[string]Call),
		logger: logger,
	}
}

// Register adds a bridge under callID. A second registration for the same
// identifier fails with ErrDuplicateCall while the first is still present.
func (r *Registry) Register(callID string, call Call) error {
	if callID == "" {
		return errors.New("call id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[callID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
	}
	r.calls[callID] = call
	r.wg.Add(1)
	return nil
}

// Remove drops callID from the registry. Removing an unknown identifier is
// a no-op so bridges can unregister unconditionally.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[callID]; !exists {
		return
	}
	delete(r.calls, callID)
	r.wg.Done()
}

// Lookup returns the bridge registered under callID.
func (r *Registry) Lookup(callID string) (Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[callID]
	return call, ok
}

// Deliver routes a lifecycle event to the bridge owning callID.
func (r *Registry) Deliver(ctx context.Context, callID string, event bridge.LifecycleEvent) error {
	call, ok := r.Lookup(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return call.HandleLifecycleEvent(ctx, event)
}

// Broadcast sends a lifecycle event to every registered bridge. Used at
// shutdown to ask all calls to wind down.
func (r *Registry) Broadcast(ctx context.Context, event bridge.LifecycleEvent) {
	r.mu.RLock()
	snapshot := make(map[string]Call, len(r.calls))
	for id, call := range r.calls {
		snapshot[id] = call
	}
	r.mu.RUnlock()

	for id, call := range snapshot {
		if err := call.HandleLifecycleEvent(ctx, event); err != nil {
			r.logger.Debug(observability.WithCallID(ctx, id), "Lifecycle broadcast skipped call")
		}
	}
}

// Len reports how many calls are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot lists the registered calls sorted by identifier.
func (r *Registry) Snapshot() []ActiveCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActiveCall, 0, len(r.calls))
	for id, call := range r.calls {
		out = append(out, ActiveCall{CallID: id, State: call.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// WaitIdle blocks until every registered call has been removed or the
// context expires.
func (r *Registry) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
