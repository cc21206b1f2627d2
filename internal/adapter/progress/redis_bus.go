package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

const channelPrefix = "progress:"

// RedisBus bridges the in-process Bus over Redis pub/sub so events published
// by a worker process reach subscribers attached to the API process.
type RedisBus struct {
	rdb   *redis.Client
	local *Bus
	clock clockx.Clock
	done  chan struct{}
}

// NewRedisBus starts the bridge. Close stops the forwarding loop.
func NewRedisBus(ctx context.Context, rdb *redis.Client, clock clockx.Clock) *RedisBus {
	b := &RedisBus{
		rdb:   rdb,
		local: NewBus(clock),
		clock: clock,
		done:  make(chan struct{}),
	}
	go b.forward(ctx)
	return b
}

// Publish sends ev through Redis; the forwarding loop delivers it to local
// subscribers on every process, this one included.
func (b *RedisBus) Publish(ctx context.Context, userID string, ev domain.ProgressEvent) {
	if ev.Ts.IsZero() {
		ev.Ts = b.clock.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("progress event marshal failed", slog.Any("error", err))
		return
	}
	if err := b.rdb.Publish(ctx, channelPrefix+userID, payload).Err(); err != nil {
		slog.Warn("progress publish failed",
			slog.String("user_id", userID), slog.Any("error", err))
		// Degrade to in-process delivery so local subscribers still see it.
		b.local.Publish(ctx, userID, ev)
	}
}

// Subscribe attaches to the local fan-out; the bridge fills it from Redis.
func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan domain.ProgressEvent, func()) {
	return b.local.Subscribe(ctx, userID)
}

// Close stops the forwarding loop.
func (b *RedisBus) Close() { close(b.done) }

func (b *RedisBus) forward(ctx context.Context) {
	pubsub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("progress event decode failed", slog.Any("error", err))
				continue
			}
			b.local.Publish(ctx, userID, ev)
		}
	}
}
