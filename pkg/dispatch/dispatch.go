// Package dispatch implements the Task Dispatcher: a single-writer
// command queue that serializes every mutation initiated by an RPC
// handler across the Node/Server/Group/User/Auth managers. Running every
// mutation through one goroutine lets those managers skip fine-grained
// locking on their write paths; read-only queries may still take their
// own locks directly.
//
// The run-loop (a single goroutine draining ticks and external signals
// over channels) generalizes a timer-driven loop into a task queue with
// one-shot reply channels.
package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/cuemby/nimbus/pkg/ctlerr"
	"github.com/cuemby/nimbus/pkg/log"
	"github.com/rs/zerolog"
)

// Fn is a unit of work submitted to the dispatcher. It runs with exclusive
// access to every manager it closes over; ctx is the dispatcher's run
// context, not the caller's (a slow task must not be abandoned just
// because the originating RPC's context is canceled).
type Fn func(ctx context.Context) (any, error)

type task struct {
	fn    Fn
	reply chan result
}

type result struct {
	value any
	err   error
}

// Dispatcher owns the single-writer task queue.
type Dispatcher struct {
	log   zerolog.Logger
	tasks chan task
	ready atomic.Bool
	done  chan struct{}
}

// New constructs a dispatcher with the given task queue depth. The
// dispatcher rejects tasks until MarkReady is called.
func New(queueSize int) *Dispatcher {
	return &Dispatcher{
		log:   log.WithComponent("dispatch"),
		tasks: make(chan task, queueSize),
		done:  make(chan struct{}),
	}
}

// Run drains the task queue until ctx is canceled. Call it in its own
// goroutine; it returns once ctx.Done() fires and every queued task has
// been drained or abandoned.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case t := <-d.tasks:
			v, err := t.fn(ctx)
			t.reply <- result{value: v, err: err}
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher loop stopping")
			return
		}
	}
}

// QueueDepth returns the number of tasks currently queued, for the
// dispatcher's gauge in pkg/metrics.
func (d *Dispatcher) QueueDepth() int { return len(d.tasks) }

// MarkReady opens the gate for Submit once startup (loading persisted
// nodes/groups/users, bootstrapping auth) has completed.
func (d *Dispatcher) MarkReady() {
	d.ready.Store(true)
}

// BeginShutdown closes the gate so no new mutation starts once shutdown
// has been requested. Tasks already queued still run to completion.
func (d *Dispatcher) BeginShutdown() {
	d.ready.Store(false)
}

// Submit enqueues fn and blocks for its result. Rejected immediately with
// ctlerr.NotReady if the dispatcher hasn't been marked ready or shutdown
// has begun.
func (d *Dispatcher) Submit(ctx context.Context, fn Fn) (any, error) {
	if !d.ready.Load() {
		return nil, ctlerr.NotReady
	}

	t := task{fn: fn, reply: make(chan result, 1)}
	select {
	case d.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ctlerr.NotReady
	}

	select {
	case r := <-t.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call submits a typed task and unwraps its result, saving every RPC
// handler from repeating the any-to-T type assertion.
func Call[T any](ctx context.Context, d *Dispatcher, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := d.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
