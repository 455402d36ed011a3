package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMsg records which disposition it received
type fakeMsg struct {
	id          uint64
	disposition string
	err         error
}

func (m *fakeMsg) settle(kind string) error {
	m.disposition = kind
	return m.err
}

func (m *fakeMsg) Ack() error                          { return m.settle("ack") }
func (m *fakeMsg) DoubleAck(ctx context.Context) error { return m.settle("double_ack") }
func (m *fakeMsg) Nak() error                          { return m.settle("nak") }
func (m *fakeMsg) Term() error                         { return m.settle("term") }

func newTestNATSChannel(msgs ...*fakeMsg) *NATSChannel {
	ch := &NATSChannel{
		conn:    &NATSConnection{config: DefaultNATSConfig(), logger: zap.NewNop()},
		pending: newPendingSet(),
		logger:  zap.NewNop(),
	}
	for _, m := range msgs {
		ch.pending.put(m.id, m)
	}
	return ch
}

func TestPendingSet_Take(t *testing.T) {
	p := newPendingSet()
	p.put(1, &fakeMsg{id: 1})

	msg, ok := p.take(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), msg.(*fakeMsg).id)

	_, ok = p.take(1)
	assert.False(t, ok, "a delivery can only be taken once")
	assert.Equal(t, 0, p.len())
}

func TestPendingSet_TakeUpTo(t *testing.T) {
	p := newPendingSet()
	for _, id := range []uint64{7, 3, 9, 5} {
		p.put(id, &fakeMsg{id: id})
	}

	msgs := p.takeUpTo(7)
	require.Len(t, msgs, 3)
	assert.Equal(t, uint64(3), msgs[0].(*fakeMsg).id)
	assert.Equal(t, uint64(5), msgs[1].(*fakeMsg).id)
	assert.Equal(t, uint64(7), msgs[2].(*fakeMsg).id)
	assert.Equal(t, 1, p.len(), "deliveries above the id stay tracked")
}

func TestNATSChannel_AckSingle(t *testing.T) {
	m1, m2 := &fakeMsg{id: 1}, &fakeMsg{id: 2}
	ch := newTestNATSChannel(m1, m2)

	require.NoError(t, ch.Ack(context.Background(), 2, false))
	assert.Equal(t, "", m1.disposition)
	assert.Equal(t, "ack", m2.disposition)
}

func TestNATSChannel_AckMultiple(t *testing.T) {
	m1, m2, m3 := &fakeMsg{id: 1}, &fakeMsg{id: 2}, &fakeMsg{id: 3}
	ch := newTestNATSChannel(m1, m2, m3)

	require.NoError(t, ch.Ack(context.Background(), 2, true))
	assert.Equal(t, "ack", m1.disposition)
	assert.Equal(t, "ack", m2.disposition)
	assert.Equal(t, "", m3.disposition)
}

func TestNATSChannel_AckMultipleJoinsErrors(t *testing.T) {
	boom := errors.New("connection lost")
	m1, m2 := &fakeMsg{id: 1, err: boom}, &fakeMsg{id: 2}
	ch := newTestNATSChannel(m1, m2)

	err := ch.Ack(context.Background(), 2, true)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "ack", m2.disposition, "one failure does not stop the rest")
}

func TestNATSChannel_DoubleAck(t *testing.T) {
	m := &fakeMsg{id: 4}
	ch := newTestNATSChannel(m)
	ch.conn.config.DoubleAck = true

	require.NoError(t, ch.Ack(context.Background(), 4, false))
	assert.Equal(t, "double_ack", m.disposition)
}

func TestNATSChannel_Nack(t *testing.T) {
	requeued, dropped := &fakeMsg{id: 1}, &fakeMsg{id: 2}
	ch := newTestNATSChannel(requeued, dropped)

	require.NoError(t, ch.Nack(context.Background(), 1, true))
	require.NoError(t, ch.Nack(context.Background(), 2, false))
	assert.Equal(t, "nak", requeued.disposition)
	assert.Equal(t, "term", dropped.disposition)
}

func TestNATSChannel_UnknownDelivery(t *testing.T) {
	ch := newTestNATSChannel()

	assert.ErrorIs(t, ch.Ack(context.Background(), 42, false), ErrUnknownDelivery)
	assert.ErrorIs(t, ch.Ack(context.Background(), 42, true), ErrUnknownDelivery)
	assert.ErrorIs(t, ch.Nack(context.Background(), 42, true), ErrUnknownDelivery)
}

func TestNATSChannel_SecondDispositionIsUnknown(t *testing.T) {
	m := &fakeMsg{id: 5}
	ch := newTestNATSChannel(m)

	require.NoError(t, ch.Ack(context.Background(), 5, false))
	assert.ErrorIs(t, ch.Nack(context.Background(), 5, true), ErrUnknownDelivery)
	assert.Equal(t, "ack", m.disposition)
}

func TestNATSChannel_ConsumerInfoBeforeSubscribe(t *testing.T) {
	ch := newTestNATSChannel()

	_, err := ch.ConsumerInfo(context.Background())
	assert.Error(t, err)
	assert.Error(t, ch.UpdateQueueMetrics(context.Background()))
}
