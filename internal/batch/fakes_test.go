package batch

import (
	"context"
	"fmt"
	"sync"
)

type ackCall struct {
	Op       string // ack, nack
	ID       uint64
	Multiple bool
	Requeue  bool
}

// recordingAcker records every disposition and can fail selected calls
type recordingAcker struct {
	mu      sync.Mutex
	calls    []ackCall
	failAck  map[uint64]bool
	failNack map[uint64]bool
}

func (r *recordingAcker) Ack(_ context.Context, id uint64, multiple bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ackCall{Op: "ack", ID: id, Multiple: multiple})
	if r.failAck[id] {
		return fmt.Errorf("ack %d: channel closed", id)
	}
	return nil
}

func (r *recordingAcker) Nack(_ context.Context, id uint64, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ackCall{Op: "nack", ID: id, Requeue: requeue})
	if r.failNack[id] {
		return fmt.Errorf("nack %d: channel closed", id)
	}
	return nil
}

func (r *recordingAcker) snapshot() []ackCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ackCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingAcker) ids(op string) []uint64 {
	var ids []uint64
	for _, c := range r.snapshot() {
		if c.Op == op {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// fakeSubscription is a stream backed by a channel the test feeds
type fakeSubscription struct {
	messages chan Message
	err      error
}

func (s *fakeSubscription) Messages() <-chan Message { return s.messages }
func (s *fakeSubscription) Err() error               { return s.err }

// fakeChannel implements Channel on top of recordingAcker
type fakeChannel struct {
	recordingAcker
	sub          *fakeSubscription
	subscribeErr error
}

func newFakeChannel(capacity int) *fakeChannel {
	return &fakeChannel{
		sub: &fakeSubscription{messages: make(chan Message, capacity)},
	}
}

func (f *fakeChannel) Subscribe(_ context.Context, _ string) (Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.sub, nil
}

// deliver pushes messages with the given delivery ids onto the stream
func (f *fakeChannel) deliver(ids ...uint64) {
	for _, id := range ids {
		f.sub.messages <- Message{
			Payload:    []byte(fmt.Sprintf("message %d", id)),
			DeliveryID: id,
			RoutingKey: "batch_test_queue",
		}
	}
}

// closeWith ends the stream, optionally with an error
func (f *fakeChannel) closeWith(err error) {
	f.sub.err = err
	close(f.sub.messages)
}

func messages(ids ...uint64) []Message {
	batch := make([]Message, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, Message{DeliveryID: id, Payload: []byte(fmt.Sprintf("message %d", id))})
	}
	return batch
}

func deliveryIDs(batch []Message) []uint64 {
	ids := make([]uint64, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.DeliveryID)
	}
	return ids
}

// collectingStrategy records each batch and returns a fixed outcome
type collectingStrategy struct {
	batches chan []Message
	outcome func([]Message) (Outcome, error)
}

func newCollectingStrategy() *collectingStrategy {
	return &collectingStrategy{
		batches: make(chan []Message, 16),
		outcome: func([]Message) (Outcome, error) { return Success(), nil },
	}
}

func (s *collectingStrategy) Process(_ context.Context, batch []Message) (Outcome, error) {
	copied := make([]Message, len(batch))
	copy(copied, batch)
	s.batches <- copied
	return s.outcome(batch)
}
