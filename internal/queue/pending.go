package queue

import (
	"context"
	"sort"
	"sync"
)

// settleable is the subset of jetstream.Msg the pending set needs
type settleable interface {
	Ack() error
	DoubleAck(ctx context.Context) error
	Nak() error
	Term() error
}

// pendingSet tracks deliveries that have been handed to the consumer but not
// yet settled. JetStream has no cumulative ack, so a multiple ack is
// expanded to every tracked id at or below the requested one.
type pendingSet struct {
	mu   sync.Mutex
	msgs map[uint64]settleable
}

func newPendingSet() *pendingSet {
	return &pendingSet{msgs: make(map[uint64]settleable)}
}

func (p *pendingSet) put(id uint64, msg settleable) {
	p.mu.Lock()
	p.msgs[id] = msg
	p.mu.Unlock()
}

// take removes and returns the delivery for id
func (p *pendingSet) take(id uint64) (settleable, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.msgs[id]
	if ok {
		delete(p.msgs, id)
	}
	return msg, ok
}

// takeUpTo removes and returns every delivery with an id <= id, in id order
func (p *pendingSet) takeUpTo(id uint64) []settleable {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uint64, 0, len(p.msgs))
	for pendingID := range p.msgs {
		if pendingID <= id {
			ids = append(ids, pendingID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	msgs := make([]settleable, 0, len(ids))
	for _, pendingID := range ids {
		msgs = append(msgs, p.msgs[pendingID])
		delete(p.msgs, pendingID)
	}
	return msgs
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}
