// Package messaging adapts the supported brokers to one consumer and
// producer contract.
package messaging

import (
	"context"

	"github.com/pkg/errors"
)

// ErrPermanent marks a broker failure that retrying cannot fix
var ErrPermanent = errors.New("permanent broker error")

// Permanent wraps err so that IsPermanent reports true for it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrPermanent, err.Error())
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is a delivery that must be completed or abandoned exactly once
type Message interface {
	Body() []byte
	// Key is the ordering key assigned by the producer
	Key() string
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
}

// HandlerFunc receives deliveries. A returned error stops the consumer.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer pulls deliveries until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, handler HandlerFunc) error
	Close(ctx context.Context) error
}

// Producer sends a body to topic. Deliveries sharing a key keep their order.
type Producer interface {
	Send(ctx context.Context, topic, key string, body []byte) error
	Close(ctx context.Context) error
}
