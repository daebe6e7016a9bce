// Package events carries heartbeat and command notifications from the point
// of persistence to the handlers that react to them. Delivery is
// at-least-once; handlers must tolerate duplicates.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Kind names the table whose insert produced the event.
type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindCommand   Kind = "command"
)

// Event points at a persisted row. Key is the hardware address used to keep
// work for one device on one worker.
type Event struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
	Key  string `json:"key"`
}

// Handler reacts to one event. A returned error marks the delivery as failed.
type Handler func(ctx context.Context, ev Event) error

// Publisher hands events to a bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Mux fans an event out to every handler subscribed to its kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for kind.
func (m *Mux) Subscribe(kind Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = append(m.handlers[kind], h)
}

// Handle runs every handler for ev.Kind, in subscription order. All handlers
// run even if one fails; their errors are joined.
func (m *Mux) Handle(ctx context.Context, ev Event) error {
	m.mu.RLock()
	hs := m.handlers[ev.Kind]
	m.mu.RUnlock()

	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s event %s: %w", ev.Kind, ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Inline delivers events synchronously on the publishing goroutine.
type Inline struct {
	mux *Mux
}

// NewInline creates a bus that calls the mux directly.
func NewInline(mux *Mux) *Inline {
	return &Inline{mux: mux}
}

func (b *Inline) Publish(ctx context.Context, ev Event) error {
	return b.mux.Handle(ctx, ev)
}
