package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned for tickets submitted to, or still queued in, a closed throttle
var ErrClosed = errors.New("throttle closed")

// Operation is a unit of work run by the throttle
type Operation func() (any, error)

type result struct {
	value any
	err   error
}

// Ticket is one queued unit of work
type Ticket struct {
	ID         uuid.UUID
	EnqueuedAt time.Time

	op   Operation
	done chan result
}

// Wait blocks until the ticket's operation has run or ctx is done.
// Giving up on the wait does not dequeue the ticket: it still runs and
// still counts against the interval.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case r := <-t.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Throttle serializes operations and spaces them by a minimum interval,
// measured from the completion of one operation to the start of the next.
type Throttle struct {
	name     string
	interval time.Duration

	mu      sync.Mutex
	queue   []*Ticket
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	// watermark is only touched by the worker goroutine
	watermark time.Time
}

// New creates a throttle and starts its worker
func New(name string, interval time.Duration) *Throttle {
	t := &Throttle{
		name:     name,
		interval: interval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Interval returns the minimum spacing between operations
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Pending returns the number of tickets waiting to start
func (t *Throttle) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Submit appends op to the tail of the queue and returns immediately
func (t *Throttle) Submit(op Operation) *Ticket {
	ticket := &Ticket{
		ID:         uuid.New(),
		EnqueuedAt: time.Now(),
		op:         op,
		done:       make(chan result, 1),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ticket.done <- result{err: ErrClosed}
		return ticket
	}
	t.queue = append(t.queue, ticket)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return ticket
}

// Close stops the worker. Tickets that have not started fail with ErrClosed.
func (t *Throttle) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.stopped
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stop)
	<-t.stopped

	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()
	for _, ticket := range pending {
		ticket.done <- result{err: ErrClosed}
	}
}

// Do submits op and waits for its result
func Do[T any](ctx context.Context, t *Throttle, op func() (T, error)) (T, error) {
	ticket := t.Submit(func() (any, error) {
		return op()
	})

	var zero T
	v, err := ticket.Wait(ctx)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("throttle %s: unexpected result type %T", t.name, v)
	}
	return typed, nil
}

func (t *Throttle) run() {
	defer close(t.stopped)

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		ticket := t.next()
		if ticket == nil {
			select {
			case <-t.wake:
				continue
			case <-t.stop:
				return
			}
		}

		if !t.waitTurn(ticket) {
			// put it back so Close can fail it
			t.mu.Lock()
			t.queue = append([]*Ticket{ticket}, t.queue...)
			t.mu.Unlock()
			return
		}

		value, err := t.execute(ticket)
		t.watermark = time.Now()
		if err != nil {
			slog.Warn("Throttled operation failed", "throttle", t.name, "ticket", ticket.ID, "error", err)
		}
		ticket.done <- result{value: value, err: err}
	}
}

func (t *Throttle) next() *Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil
	}
	ticket := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return ticket
}

// waitTurn sleeps until the interval since the watermark has passed.
// It returns false if the throttle was closed while waiting.
func (t *Throttle) waitTurn(ticket *Ticket) bool {
	if t.watermark.IsZero() {
		return true
	}
	delay := t.interval - time.Since(t.watermark)
	if delay <= 0 {
		return true
	}

	slog.Debug("Delaying throttled operation", "throttle", t.name, "ticket", ticket.ID, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.stop:
		return false
	}
}

func (t *Throttle) execute(ticket *Ticket) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("throttle %s: operation panicked: %v", t.name, r)
		}
	}()
	return ticket.op()
}
