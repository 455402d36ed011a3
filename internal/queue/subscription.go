package queue

import (
	"errors"
	"sync"

	"github.com/queue-batch-consumer/internal/batch"
)

// ErrUnknownDelivery is returned when a disposition names a delivery id the
// adapter is not tracking, usually because it was already settled
var ErrUnknownDelivery = errors.New("unknown delivery id")

// subscription is the batch.Subscription shared by the broker adapters.
// The pump goroutine owns the send side of messages.
type subscription struct {
	messages chan batch.Message
	once     sync.Once
	err      error
}

func newSubscription() *subscription {
	return &subscription{messages: make(chan batch.Message)}
}

func (s *subscription) Messages() <-chan batch.Message {
	return s.messages
}

// Err is only valid once Messages has been closed; the close orders the write
func (s *subscription) Err() error {
	return s.err
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.messages)
	})
}
