// Package bus abstracts the subject-addressed stream transport. Delivery is
// at-least-once with per-subject FIFO ordering; duplicates are resolved by
// the storage layer's natural-key dedup, never by the bus.
package bus

import (
	"context"
	"errors"
	"fmt"

	"marketpipe/config"
)

var (
	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus closed")
	// ErrPublishTimeout is returned when the transport does not accept a
	// message within the publish timeout.
	ErrPublishTimeout = errors.New("bus publish timeout")
)

// Message is one delivered bus message.
type Message struct {
	Subject string
	Data    []byte
	// Seq is the transport's per-stream sequence, when available.
	Seq uint64
}

// Handler processes one delivered message. A nil return acknowledges the
// message; an error triggers redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Subscription is one active subscription.
type Subscription interface {
	// Drain stops delivery after in-flight handlers complete.
	Drain() error
}

// Bus is the transport contract consumed by the publisher and the storage
// consumers.
type Bus interface {
	// EnsureStream guarantees a durable stream covering the given subject
	// patterns exists. Idempotent; safe to call on every process start.
	EnsureStream(ctx context.Context, name string, subjects []string) error

	// Publish appends one message to the stream owning the subject.
	Publish(ctx context.Context, subj string, data []byte) error

	// Subscribe delivers messages matching the pattern, in per-subject
	// publish order, to the handler. Subscribers sharing a durable name
	// split the subject space between them.
	Subscribe(ctx context.Context, pattern, durable string, h Handler) (Subscription, error)

	Close() error
}

// New builds the bus selected by configuration.
func New(cfg config.BusConfig) (Bus, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "nats":
		return Connect(cfg)
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}
