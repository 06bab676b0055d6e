// Package relay is the typed command/event bus joining the control surfaces
// (HTTP panel, MCP tools) to the batch orchestrator. Commands are a tagged
// union dispatched to one registered handler per kind; events are broadcast
// to all subscribers. Every call carries a per-kind timeout so a stuck
// handler resolves to a failure instead of hanging the caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNoHandler is returned when a command kind has no registered handler.
var ErrNoHandler = errors.New("relay: no handler for command kind")

// ErrTimeout is returned when a handler does not answer within the kind's
// timeout budget.
var ErrTimeout = errors.New("relay: command timed out")

// Handler processes one command and returns its result payload.
type Handler func(ctx context.Context, cmd Command) (any, error)

// Bus routes commands to handlers and fans events out to subscribers.
// The zero value is not usable; call New.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
	subs     map[int]chan Event
	nextSub  int
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:      log,
		handlers: make(map[Kind]Handler),
		subs:     make(map[int]chan Event),
	}
}

// Handle registers the handler for a command kind, replacing any previous one.
func (b *Bus) Handle(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[k] = h
}

// Call dispatches cmd to its handler under the kind's timeout budget.
// Handler panics are converted into errors.
func (b *Bus) Call(ctx context.Context, cmd Command) (any, error) {
	b.mu.RLock()
	h, ok := b.handlers[cmd.Kind()]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, cmd.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFor(cmd.Kind()))
	defer cancel()

	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("relay: handler panic: %v", r)}
			}
		}()
		data, err := h(ctx, cmd)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case out := <-ch:
		return out.data, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, cmd.Kind())
		}
		return nil, ctx.Err()
	}
}

// Subscribe registers an event listener. The returned cancel func must be
// called to release the subscription. Events are dropped, not queued, when
// the subscriber's buffer is full.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish broadcasts ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("relay: subscriber buffer full, event dropped", "event", ev.EventKind())
		}
	}
}
