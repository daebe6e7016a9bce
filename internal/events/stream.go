package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamConfig names the stream and consumer group a StreamBus uses.
type StreamConfig struct {
	Stream   string
	Group    string
	Consumer string
	Batch    int64
	// Block bounds each XREADGROUP wait. It must be positive; zero would
	// block forever.
	Block time.Duration
}

// StreamBus is a Redis Streams backed bus. Messages are acknowledged only
// after every handler succeeded, so failed ones stay in the group's pending
// list and are replayed when the consumer restarts.
type StreamBus struct {
	client *redis.Client
	cfg    StreamConfig
	mux    *Mux
	log    *zap.Logger
}

// NewStreamBus creates a Redis Streams bus.
func NewStreamBus(client *redis.Client, cfg StreamConfig, mux *Mux, log *zap.Logger) *StreamBus {
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	return &StreamBus{client: client, cfg: cfg, mux: mux, log: log}
}

// Publish appends ev to the stream.
func (b *StreamBus) Publish(ctx context.Context, ev Event) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"id":   ev.ID,
			"key":  ev.Key,
		},
	}).Err()
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (b *StreamBus) EnsureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Run consumes the stream until ctx is cancelled. Messages this consumer
// read but never acknowledged are replayed first.
func (b *StreamBus) Run(ctx context.Context) error {
	if err := b.EnsureGroup(ctx); err != nil {
		return err
	}
	b.log.Info("consuming event stream",
		zap.String("stream", b.cfg.Stream),
		zap.String("group", b.cfg.Group),
		zap.String("consumer", b.cfg.Consumer))

	if err := b.replayPending(ctx); err != nil && ctx.Err() == nil {
		b.log.Error("failed to replay pending events", zap.Error(err))
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := b.read(ctx, ">")
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error("failed to read event stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			b.process(ctx, msg)
		}
	}
}

// replayPending walks this consumer's pending entries once.
func (b *StreamBus) replayPending(ctx context.Context) error {
	start := "0"
	for {
		msgs, err := b.read(ctx, start)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			b.process(ctx, msg)
		}
		start = msgs[len(msgs)-1].ID
	}
}

func (b *StreamBus) read(ctx context.Context, id string) ([]redis.XMessage, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, id},
		Count:    b.cfg.Batch,
		Block:    b.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (b *StreamBus) process(ctx context.Context, msg redis.XMessage) {
	ev, ok := decode(msg)
	if !ok {
		b.log.Warn("dropping malformed event", zap.String("message_id", msg.ID))
		b.ack(ctx, msg.ID)
		return
	}

	if err := b.mux.Handle(ctx, ev); err != nil {
		b.log.Error("event handler failed; leaving message pending",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("id", ev.ID),
			zap.Error(err))
		return
	}
	b.ack(ctx, msg.ID)
}

func (b *StreamBus) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err(); err != nil {
		b.log.Error("failed to ack event", zap.String("message_id", id), zap.Error(err))
	}
}

func decode(msg redis.XMessage) (Event, bool) {
	kind, _ := msg.Values["kind"].(string)
	id, _ := msg.Values["id"].(string)
	key, _ := msg.Values["key"].(string)
	if id == "" || (Kind(kind) != KindHeartbeat && Kind(kind) != KindCommand) {
		return Event{}, false
	}
	return Event{Kind: Kind(kind), ID: id, Key: key}, true
}
