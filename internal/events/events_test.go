package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/pending"
)

func outcomeEvent(id string) Event {
	return NewOutcomeEvent(ledger.Record{
		RequestID: id,
		Kind:      intent.KindWithdraw,
		Outcome:   pending.OutcomeSettlementFailed,
		TxID:      "0xtx",
	}, time.Now())
}

type collector struct {
	mu       sync.Mutex
	seen     []Event
	failOnce map[string]bool
}

func (c *collector) handle(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, event)
	if c.failOnce[event.Record.RequestID] {
		delete(c.failOnce, event.Record.RequestID)
		return errors.New("transient")
	}
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func runBus(t *testing.T, bus Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{failOnce: map[string]bool{"r2": true}}
	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx, 2, c.handle) }()

	require.NoError(t, bus.Publish(context.Background(), outcomeEvent("r1")))
	require.NoError(t, bus.Publish(context.Background(), outcomeEvent("r2")))

	require.Eventually(t, func() bool { return c.count() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	c.mu.Lock()
	defer c.mu.Unlock()
	attempts := map[string]int{}
	for _, e := range c.seen {
		attempts[e.Record.RequestID] = e.Attempts
		assert.Equal(t, TypeExecutionOutcome, e.Type)
	}
	assert.Equal(t, 1, attempts["r1"])
	assert.Equal(t, 2, attempts["r2"], "failed event is redelivered")
}

func TestMemoryBus(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewMemoryBus(4)
	runBus(t, bus)
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), outcomeEvent("late")))
}

func TestMemoryBusPublishDoesNotBlockWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := NewMemoryBus(1)
	bus.wait = 20 * time.Millisecond
	require.NoError(t, bus.Publish(context.Background(), outcomeEvent("r1")))

	start := time.Now()
	err := bus.Publish(context.Background(), outcomeEvent("r2"))
	assert.ErrorIs(t, err, ErrBusFull)
	assert.Less(t, time.Since(start), time.Second)

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a stalled publish")
	}
	assert.ErrorIs(t, bus.Publish(context.Background(), outcomeEvent("r3")), ErrBusClosed)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := NewRedisBus(RedisConfig{Address: mr.Addr(), BlockWait: 50 * time.Millisecond})
	require.NoError(t, err)
	defer bus.Close()
	runBus(t, bus)
}

func TestMemoryBusStopsRedelivering(t *testing.T) {
	bus := NewMemoryBus(4)
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu    sync.Mutex
		calls int
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Consume(ctx, 1, func(context.Context, Event) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("permanent")
		})
	}()
	require.NoError(t, bus.Publish(ctx, outcomeEvent("r1")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == MaxDeliveries
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	mu.Lock()
	assert.Equal(t, MaxDeliveries, calls)
	mu.Unlock()
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "kafka"})
	assert.Error(t, err)
}
