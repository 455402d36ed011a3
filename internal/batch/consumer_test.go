package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveBatch(t *testing.T, s *collectingStrategy, timeout time.Duration) []Message {
	t.Helper()
	select {
	case b := <-s.batches:
		return b
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for a batch", timeout)
		return nil
	}
}

func runConsumer(t *testing.T, c *Consumer, strategy Strategy) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, strategy)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestNewConsumer_RejectsInvalidConfig(t *testing.T) {
	_, err := NewConsumer(newFakeChannel(1), "q", Config{MaxBatchSize: 0, MaxWaitTime: time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewConsumer(nil, "q", DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConsumer_SizeTriggeredFlushesThenTimer(t *testing.T) {
	ch := newFakeChannel(16)
	cfg := Config{MaxBatchSize: 5, MaxWaitTime: 300 * time.Millisecond, AckMode: AckIndividual}
	c, err := NewConsumer(ch, "batch_test_queue", cfg)
	require.NoError(t, err)

	// 12 messages back to back: two full batches by size, the rest by timer
	ch.deliver(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12)

	strategy := newCollectingStrategy()
	cancel, done := runConsumer(t, c, strategy)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, deliveryIDs(receiveBatch(t, strategy, time.Second)))
	assert.Equal(t, []uint64{6, 7, 8, 9, 10}, deliveryIDs(receiveBatch(t, strategy, time.Second)))
	assert.Equal(t, []uint64{11, 12}, deliveryIDs(receiveBatch(t, strategy, 2*time.Second)))

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, ch.ids("ack"))
	assert.Empty(t, ch.ids("nack"))
	assert.Equal(t, StateStopped, c.State())
}

func TestConsumer_TimerFlushesPartialBatchOnce(t *testing.T) {
	ch := newFakeChannel(4)
	cfg := Config{MaxBatchSize: 10, MaxWaitTime: 100 * time.Millisecond, AckMode: AckBatched}
	c, err := NewConsumer(ch, "batch_test_queue", cfg)
	require.NoError(t, err)

	strategy := newCollectingStrategy()
	cancel, done := runConsumer(t, c, strategy)

	ch.deliver(1, 2, 3)

	assert.Equal(t, []uint64{1, 2, 3}, deliveryIDs(receiveBatch(t, strategy, time.Second)))

	// A quiet period produces no further flushes
	select {
	case b := <-strategy.batches:
		t.Fatalf("unexpected extra flush of %d messages", len(b))
	case <-time.After(250 * time.Millisecond):
	}

	cancel()
	waitDone(t, done)

	assert.Equal(t, []ackCall{{Op: "ack", ID: 3, Multiple: true}}, ch.snapshot())
}

func TestConsumer_StreamErrorStopsWithoutFlushing(t *testing.T) {
	ch := newFakeChannel(4)
	cfg := Config{MaxBatchSize: 10, MaxWaitTime: time.Hour, AckMode: AckIndividual}
	c, err := NewConsumer(ch, "batch_test_queue", cfg)
	require.NoError(t, err)

	streamErr := errors.New("connection reset by peer")
	ch.deliver(1, 2)
	ch.closeWith(streamErr)

	strategy := newCollectingStrategy()
	_, done := runConsumer(t, c, strategy)

	err = waitDone(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, streamErr)

	assert.Empty(t, ch.snapshot(), "buffered messages are left for broker redelivery")
	assert.Empty(t, strategy.batches)
	assert.Equal(t, StateStopped, c.State())
}

func TestConsumer_StreamClosedCleanly(t *testing.T) {
	ch := newFakeChannel(1)
	c, err := NewConsumer(ch, "batch_test_queue", Config{MaxBatchSize: 2, MaxWaitTime: time.Hour})
	require.NoError(t, err)

	ch.closeWith(nil)

	_, done := runConsumer(t, c, newCollectingStrategy())
	assert.NoError(t, waitDone(t, done))
}

func TestConsumer_SubscribeError(t *testing.T) {
	ch := newFakeChannel(1)
	ch.subscribeErr = errors.New("queue not found")
	c, err := NewConsumer(ch, "missing", DefaultConfig())
	require.NoError(t, err)

	err = c.Run(context.Background(), newCollectingStrategy())
	assert.ErrorIs(t, err, ch.subscribeErr)
	assert.Equal(t, StateStopped, c.State())
}

func TestConsumer_StrategyErrorStopsLoopByDefault(t *testing.T) {
	ch := newFakeChannel(8)
	c, err := NewConsumer(ch, "batch_test_queue", Config{MaxBatchSize: 4, MaxWaitTime: time.Hour})
	require.NoError(t, err)

	cause := errors.New("transform failed")
	strategy := newCollectingStrategy()
	strategy.outcome = func([]Message) (Outcome, error) { return Outcome{}, cause }

	ch.deliver(1, 2, 3, 4)
	_, done := runConsumer(t, c, strategy)

	err = waitDone(t, done)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []uint64{1, 2, 3, 4}, ch.ids("nack"))
	assert.Empty(t, ch.ids("ack"))
}

func TestConsumer_StrategyErrorHandlerKeepsConsuming(t *testing.T) {
	ch := newFakeChannel(8)
	var handled []error
	c, err := NewConsumer(ch, "batch_test_queue", Config{MaxBatchSize: 2, MaxWaitTime: time.Hour},
		WithStrategyErrorHandler(func(_ context.Context, err error) error {
			handled = append(handled, err)
			return nil
		}))
	require.NoError(t, err)

	calls := 0
	strategy := newCollectingStrategy()
	strategy.outcome = func([]Message) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{}, errors.New("first batch fails")
		}
		return Success(), nil
	}

	ch.deliver(1, 2, 3, 4)
	cancel, done := runConsumer(t, c, strategy)

	receiveBatch(t, strategy, time.Second)
	receiveBatch(t, strategy, time.Second)
	cancel()
	waitDone(t, done)

	assert.Len(t, handled, 1)
	assert.Equal(t, []uint64{1, 2}, ch.ids("nack"))
	assert.Equal(t, []uint64{3, 4}, ch.ids("ack"))
}

func TestConsumer_CancelAbandonsBufferedMessages(t *testing.T) {
	ch := newFakeChannel(4)
	c, err := NewConsumer(ch, "batch_test_queue", Config{MaxBatchSize: 10, MaxWaitTime: time.Hour})
	require.NoError(t, err)

	strategy := newCollectingStrategy()
	cancel, done := runConsumer(t, c, strategy)
	ch.deliver(1, 2)

	require.Eventually(t, func() bool {
		return c.State() == StateAccumulating
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.Empty(t, ch.snapshot())
	assert.Empty(t, strategy.batches)
}

func TestConsumer_FlushesAreSequential(t *testing.T) {
	ch := newFakeChannel(16)
	c, err := NewConsumer(ch, "batch_test_queue", Config{MaxBatchSize: 2, MaxWaitTime: 10 * time.Millisecond})
	require.NoError(t, err)

	inFlight := make(chan struct{}, 1)
	overlap := false
	strategy := newCollectingStrategy()
	strategy.outcome = func([]Message) (Outcome, error) {
		select {
		case inFlight <- struct{}{}:
		default:
			overlap = true
		}
		// Slower than MaxWaitTime so the timer fires during processing
		time.Sleep(40 * time.Millisecond)
		<-inFlight
		return Success(), nil
	}

	ch.deliver(1, 2, 3, 4, 5, 6)
	cancel, done := runConsumer(t, c, strategy)

	var got []uint64
	for len(got) < 6 {
		got = append(got, deliveryIDs(receiveBatch(t, strategy, time.Second))...)
	}
	cancel()
	waitDone(t, done)

	assert.False(t, overlap, "two flushes ran at the same time")
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, got)
}

func TestRunWorkers(t *testing.T) {
	chA, chB := newFakeChannel(4), newFakeChannel(4)
	cfg := Config{MaxBatchSize: 2, MaxWaitTime: time.Hour}

	a, err := NewConsumer(chA, "queue-a", cfg)
	require.NoError(t, err)
	b, err := NewConsumer(chB, "queue-b", cfg)
	require.NoError(t, err)

	strategyA, strategyB := newCollectingStrategy(), newCollectingStrategy()
	chA.deliver(1, 2)
	chB.deliver(1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunWorkers(ctx, Worker{Consumer: a, Strategy: strategyA}, Worker{Consumer: b, Strategy: strategyB})
	}()

	receiveBatch(t, strategyA, time.Second)
	receiveBatch(t, strategyB, time.Second)
	cancel()

	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, []uint64{1, 2}, chA.ids("ack"))
	assert.Equal(t, []uint64{1, 2}, chB.ids("ack"))
}

func TestRunWorkers_FirstFailureStopsOthers(t *testing.T) {
	chA, chB := newFakeChannel(1), newFakeChannel(1)
	cfg := Config{MaxBatchSize: 2, MaxWaitTime: time.Hour}

	a, err := NewConsumer(chA, "queue-a", cfg)
	require.NoError(t, err)
	b, err := NewConsumer(chB, "queue-b", cfg)
	require.NoError(t, err)

	streamErr := errors.New("channel closed by broker")
	chA.closeWith(streamErr)

	err = RunWorkers(context.Background(),
		Worker{Consumer: a, Strategy: newCollectingStrategy()},
		Worker{Consumer: b, Strategy: newCollectingStrategy()})

	assert.ErrorIs(t, err, streamErr)
	assert.Equal(t, StateStopped, b.State())
}

func TestRunWorkers_NoWorkers(t *testing.T) {
	assert.ErrorIs(t, RunWorkers(context.Background()), ErrInvalidConfig)
}
