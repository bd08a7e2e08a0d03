package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-server/internal/observability"
)

const (
	defaultTimeout       = 8 * time.Second
	defaultMaxConcurrent = 2
)

// Observer is notified after every dispatch, successful or not. Used to
// publish tool execution events without coupling the dispatcher to the
// event pipeline.
type Observer func(ctx context.Context, req Request, res Result, elapsed time.Duration)

// Dispatcher executes tool requests off the audio path. Concurrency is
// bounded per dispatcher and every invocation carries its own deadline.
type Dispatcher struct {
	registry *Registry
	logger   *observability.Logger
	timeout  time.Duration
	sem      chan struct{}
	observer Observer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout sets the per-invocation deadline.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxConcurrent bounds how many handlers may run at once.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithObserver registers a post-dispatch callback.
func WithObserver(fn Observer) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *observability.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   logger,
		timeout:  defaultTimeout,
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.sem == nil {
		d.sem = make(chan struct{}, defaultMaxConcurrent)
	}
	return d
}

// Dispatch runs one tool request to completion and returns its result.
// Failures are carried in the result, Dispatch itself never panics the
// audio path.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "tool", Value: req.Name},
		observability.Field{Key: "tool_request_id", Value: req.RequestID},
	)

	start := time.Now()
	res := d.execute(ctx, req)
	elapsed := time.Since(start)

	if res.Err != nil {
		d.logger.InfoWithError(observability.WithFields(ctx,
			observability.Field{Key: "elapsed_ms", Value: elapsed.Milliseconds()}),
			"Tool dispatch failed", res.Err)
	} else {
		d.logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "elapsed_ms", Value: elapsed.Milliseconds()}),
			"Tool dispatched")
	}

	if d.observer != nil {
		d.observer(ctx, req, res, elapsed)
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, req Request) Result {
	tool, ok := d.registry.Lookup(req.Name)
	if !ok {
		return Result{RequestID: req.RequestID, Err: fmt.Errorf("%q: %w", req.Name, ErrUnknownTool)}
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{RequestID: req.RequestID, Err: ctx.Err()}
	}
	defer func() { <-d.sem }()

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	d.track(req.RequestID, cancel)
	defer d.untrack(req.RequestID)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := tool.Handler(execCtx, req.Arguments)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{RequestID: req.RequestID, Err: out.err}
		}
		payload, err := json.Marshal(out.value)
		if err != nil {
			return Result{RequestID: req.RequestID, Err: fmt.Errorf("failed to encode tool output: %w", err)}
		}
		return Result{RequestID: req.RequestID, Payload: payload}
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return Result{RequestID: req.RequestID, Err: fmt.Errorf("%q after %s: %w", req.Name, d.timeout, ErrToolTimeout)}
		}
		return Result{RequestID: req.RequestID, Err: execCtx.Err()}
	}
}

// CancelOutstanding cancels every in-flight invocation. Called when a call
// drains so handlers do not outlive their session.
func (d *Dispatcher) CancelOutstanding() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cancel := range d.cancels {
		cancel()
	}
}

func (d *Dispatcher) track(requestID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels[requestID] = cancel
}

func (d *Dispatcher) untrack(requestID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, requestID)
}
