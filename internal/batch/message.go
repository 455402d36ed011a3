package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// Defaults match the original batch reader configuration
	DefaultMaxBatchSize = 10
	DefaultMaxWaitTime  = 100 * time.Millisecond
)

// ErrInvalidConfig is returned when a Config fails validation
var ErrInvalidConfig = errors.New("invalid batch config")

// Message is one delivery received from the broker. It carries no reference
// back to the channel it arrived on; dispositions go through an Acknowledger
// keyed by DeliveryID.
type Message struct {
	Payload    []byte
	DeliveryID uint64
	RoutingKey string
}

// AckMode selects how a fully successful batch is acknowledged
type AckMode int

const (
	// AckIndividual acknowledges every message with its own broker call
	AckIndividual AckMode = iota

	// AckBatched issues a single cumulative acknowledgment for the highest
	// delivery id in the batch
	AckBatched
)

func (m AckMode) String() string {
	switch m {
	case AckIndividual:
		return "individual"
	case AckBatched:
		return "batched"
	default:
		return fmt.Sprintf("AckMode(%d)", int(m))
	}
}

// ParseAckMode converts "individual" or "batched" into an AckMode. It is the
// inverse of AckMode.String.
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "individual":
		return AckIndividual, nil
	case "batched":
		return AckBatched, nil
	default:
		return 0, fmt.Errorf("unknown ack mode %q", s)
	}
}

// Config is the batching policy of one consumer. It is copied at
// construction time and never changes afterwards.
type Config struct {
	MaxBatchSize int           `validate:"gt=0"`
	MaxWaitTime  time.Duration `validate:"gt=0"`
	AckMode      AckMode       `validate:"min=0,max=1"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: DefaultMaxBatchSize,
		MaxWaitTime:  DefaultMaxWaitTime,
		AckMode:      AckIndividual,
	}
}

var validate = validator.New()

// Validate checks that the batch size and wait time are positive and the
// ack mode is known
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Acknowledger issues terminal dispositions for deliveries by id
type Acknowledger interface {
	// Ack confirms deliveryID. With multiple set, every outstanding delivery
	// up to and including deliveryID is confirmed by the same call.
	Ack(ctx context.Context, deliveryID uint64, multiple bool) error

	// Nack rejects deliveryID; with requeue set the broker redelivers it
	Nack(ctx context.Context, deliveryID uint64, requeue bool) error
}

// Subscription is a live stream of deliveries for one queue
type Subscription interface {
	// Messages is closed when the stream ends
	Messages() <-chan Message

	// Err reports why the stream ended. It returns nil for a clean close and
	// must only be called after Messages has been closed.
	Err() error
}

// Channel is the broker capability set the consumer depends on. A Channel is
// used by exactly one Consumer.
type Channel interface {
	Acknowledger
	Subscribe(ctx context.Context, queue string) (Subscription, error)
}
