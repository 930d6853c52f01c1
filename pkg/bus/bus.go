package bus

import (
	"context"
	"errors"
	"time"
)

// ErrLockLost is returned by settlement calls when the broker has already
// re-released the message. The message will be redelivered; callers must not
// treat this as fatal.
var ErrLockLost = errors.New("message lock lost")

// Message is a single delivery from a queue or topic subscription.
type Message struct {
	MessageID        string
	Body             string
	BodyBytes        []byte
	EnqueuedTime     time.Time
	ReceiptHandle    string
	DeliveryCount    int
	Properties       map[string]string
	SubscriptionName string
}

// Consumer is the capability surface the ingester requires from a message
// bus: at-least-once delivery with per-message locking. Concrete drivers
// (cloud queues, the Redis reference driver) implement it.
type Consumer interface {
	// ReceiveMessages returns up to maxMessages, waiting at most maxWait for
	// the first. Respects cancellation.
	ReceiveMessages(ctx context.Context, maxMessages int, maxWait time.Duration) ([]*Message, error)

	// Complete acknowledges successful processing and permanently removes the
	// message.
	Complete(ctx context.Context, msg *Message) error

	// Abandon releases the lock so the message is redelivered.
	Abandon(ctx context.Context, msg *Message) error

	// DeadLetter moves the message to the poison store with the given reason.
	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// Close releases the driver's connections.
	Close() error
}
