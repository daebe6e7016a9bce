package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

// ErrBusClosed is returned by Publish after Stop.
var ErrBusClosed = errors.New("event bus closed")

// LocalBus is an in-process bus with a fixed set of workers. Events with the
// same key always land on the same worker, so they are handled in order.
type LocalBus struct {
	mux    *Mux
	shards []chan Event
	log    *zap.Logger
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLocalBus creates a bus with the given number of workers, each with a
// queue of buffer events.
func NewLocalBus(mux *Mux, workers, buffer int, log *zap.Logger) *LocalBus {
	if workers <= 0 {
		workers = 1
	}
	b := &LocalBus{mux: mux, shards: make([]chan Event, workers), log: log}
	for i := range b.shards {
		b.shards[i] = make(chan Event, buffer)
	}
	return b
}

// Start launches the workers. They exit once Stop has drained the queues.
func (b *LocalBus) Start(ctx context.Context) {
	b.log.Info("starting local event bus", zap.Int("workers", len(b.shards)))
	for i, ch := range b.shards {
		b.wg.Add(1)
		go b.worker(ctx, i, ch)
	}
}

func (b *LocalBus) worker(ctx context.Context, id int, ch <-chan Event) {
	defer b.wg.Done()
	for ev := range ch {
		if err := b.mux.Handle(ctx, ev); err != nil {
			b.log.Error("event handler failed",
				zap.Int("worker", id),
				zap.String("kind", string(ev.Kind)),
				zap.String("id", ev.ID),
				zap.Error(err))
		}
	}
}

// Publish queues ev on its shard, blocking while that shard is full.
func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.shards[b.shardFor(ev.Key)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

// Stop rejects new events, lets the workers finish what is queued and waits
// for them.
func (b *LocalBus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.shards {
		close(ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("local event bus stopped")
}
