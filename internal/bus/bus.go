// Package bus abstracts a durable topic-based message bus.
package bus

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotConnected is returned when the bus has no live connection.
	ErrNotConnected = errors.New("bus: not connected")
	// ErrBackpressure is returned when the broker refuses to accept more messages.
	ErrBackpressure = errors.New("bus: broker applied backpressure")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus: closed")
)

// State is the connectivity state reported to health checks.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
	StateClosed       State = "CLOSED"
)

// Healthy reports whether messages can currently be published.
func (s State) Healthy() bool {
	return s == StateConnected
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	MessageID   string
	ContentType string
	Persistent  bool
}

// Subscription describes a durable queue bound to a topic.
type Subscription struct {
	Topic          string
	Queue          string
	BindingPattern string
	Prefetch       int
}

// Delivery is a single received message awaiting settlement.
type Delivery interface {
	Body() []byte
	RoutingKey() string
	MessageID() string
	Ack(ctx context.Context) error
	// DeadLetter rejects the message without requeue, routing it to the dead-letter queue.
	DeadLetter(ctx context.Context, reason string) error
}

// Handler processes one delivery. It is responsible for settling it.
type Handler func(ctx context.Context, d Delivery)

// Bus is implemented by every backend.
type Bus interface {
	DeclareTopic(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, routingKey string, body []byte, opts PublishOptions) error
	// Subscribe declares the subscription and consumes until ctx is done.
	Subscribe(ctx context.Context, sub Subscription, h Handler) error
	State() State
	Close() error
}

// DeadLetterTopic names the dead-letter exchange paired with topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlx"
}

// DeadLetterQueue names the dead-letter queue paired with queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// MatchRoutingKey applies AMQP topic matching: "*" matches exactly one word and
// "#" matches zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
