package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendaro/crosslist/internal/adapter/progress"
	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	bus := progress.NewBus(clock)
	ctx := context.Background()

	chA, cancelA := bus.Subscribe(ctx, "u1")
	defer cancelA()
	chB, cancelB := bus.Subscribe(ctx, "u1")
	defer cancelB()

	bus.Publish(ctx, "u1", domain.ProgressEvent{Type: domain.EventJobStatus})

	evA := <-chA
	evB := <-chB
	assert.Equal(t, domain.EventJobStatus, evA.Type)
	assert.Equal(t, domain.EventJobStatus, evB.Type)
	assert.Equal(t, clock.Now(), evA.Ts, "timestamp stamped at publish")
}

func TestEventsScopedToUser(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	bus := progress.NewBus(clock)
	ctx := context.Background()

	ch1, cancel1 := bus.Subscribe(ctx, "u1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(ctx, "u2")
	defer cancel2()

	bus.Publish(ctx, "u1", domain.ProgressEvent{Type: domain.EventJobProgress})

	require.Len(t, ch1, 1)
	assert.Empty(t, ch2)
}

func TestOrderingPerSubscriberIsFIFO(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	bus := progress.NewBus(clock)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(ctx, "u1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(ctx, "u1", domain.ProgressEvent{
			Type: domain.EventJobProgress,
			Data: map[string]any{"seq": i},
		})
	}
	for i := 0; i < 5; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	bus := progress.NewBus(clock)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(ctx, "u1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ { // well past the buffer size
			bus.Publish(ctx, "u1", domain.ProgressEvent{Type: domain.EventJobProgress})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.NotEmpty(t, ch)
}

func TestCancelDetachesAndCloses(t *testing.T) {
	t.Parallel()
	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	bus := progress.NewBus(clock)
	ctx := context.Background()

	ch, cancel := bus.Subscribe(ctx, "u1")
	cancel()
	cancel() // second cancel is a no-op

	_, open := <-ch
	assert.False(t, open, "channel closed after cancel")
	bus.Publish(ctx, "u1", domain.ProgressEvent{Type: domain.EventJobStatus})
}

func TestRedisBridgeDeliversAcrossBuses(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdbA.Close(); _ = rdbB.Close() })

	clock := clockx.NewFake(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	producer := progress.NewRedisBus(ctx, rdbA, clock)
	defer producer.Close()
	consumer := progress.NewRedisBus(ctx, rdbB, clock)
	defer consumer.Close()

	ch, cancel := consumer.Subscribe(ctx, "u1")
	defer cancel()

	// The PSubscribe loop attaches asynchronously; retry until it is up.
	require.Eventually(t, func() bool {
		producer.Publish(ctx, "u1", domain.ProgressEvent{Type: domain.EventBatchStarted})
		select {
		case ev := <-ch:
			return ev.Type == domain.EventBatchStarted
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}
