// Package memory is an in-process bus used for local runs and tests.
package memory

import (
	"context"
	"sync"

	"example.com/fooddelivery/services/orders/internal/bus"
	"github.com/pkg/errors"
)

const queueDepth = 1024

// Message is a published message as seen by the bus.
type Message struct {
	Topic      string
	RoutingKey string
	MessageID  string
	Body       []byte
}

type queue struct {
	sub   bus.Subscription
	ch    chan Message
	acked int
	dead  []Message
}

// Bus routes messages to bound queues using topic-exchange semantics.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]struct{}
	queues     map[string]*queue
	published  []Message
	state      bus.State
	publishErr error
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		topics: make(map[string]struct{}),
		queues: make(map[string]*queue),
		state:  bus.StateConnected,
	}
}

func (b *Bus) DeclareTopic(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == bus.StateClosed {
		return bus.ErrClosed
	}
	b.topics[topic] = struct{}{}
	return nil
}

// Bind declares the subscription's queue without consuming from it.
func (b *Bus) Bind(sub bus.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindLocked(sub)
}

func (b *Bus) bindLocked(sub bus.Subscription) *queue {
	q, ok := b.queues[sub.Queue]
	if !ok {
		q = &queue{sub: sub, ch: make(chan Message, queueDepth)}
		b.queues[sub.Queue] = q
	}
	b.topics[sub.Topic] = struct{}{}
	return q
}

func (b *Bus) Publish(_ context.Context, topic, routingKey string, body []byte, opts bus.PublishOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case bus.StateClosed:
		return bus.ErrClosed
	case bus.StateConnected:
	default:
		return bus.ErrNotConnected
	}
	if b.publishErr != nil {
		return b.publishErr
	}
	if _, ok := b.topics[topic]; !ok {
		return errors.Errorf("memory bus: topic %q not declared", topic)
	}

	msg := Message{Topic: topic, RoutingKey: routingKey, MessageID: opts.MessageID, Body: append([]byte(nil), body...)}
	for _, q := range b.queues {
		if q.sub.Topic != topic || !bus.MatchRoutingKey(q.sub.BindingPattern, routingKey) {
			continue
		}
		select {
		case q.ch <- msg:
		default:
			return bus.ErrBackpressure
		}
	}
	b.published = append(b.published, msg)
	return nil
}

// Subscribe consumes one message at a time until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, sub bus.Subscription, h bus.Handler) error {
	b.mu.Lock()
	if b.state == bus.StateClosed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	q := b.bindLocked(sub)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			h(ctx, &delivery{bus: b, queue: q, msg: msg})
		}
	}
}

func (b *Bus) State() bus.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = bus.StateClosed
	return nil
}

// SetState forces the reported connectivity state.
func (b *Bus) SetState(s bus.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

// FailPublishes makes every Publish return err until called again with nil.
func (b *Bus) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published returns every accepted message in publish order.
func (b *Bus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedKeys returns the routing keys of every accepted message.
func (b *Bus) PublishedKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.published))
	for _, m := range b.published {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

// Acked returns how many messages were acknowledged on queue.
func (b *Bus) Acked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return q.acked
	}
	return 0
}

// DeadLettered returns the messages routed to queue's dead-letter queue.
func (b *Bus) DeadLettered(queueName string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return append([]Message(nil), q.dead...)
	}
	return nil
}

type delivery struct {
	bus     *Bus
	queue   *queue
	msg     Message
	settled bool
}

func (d *delivery) Body() []byte       { return d.msg.Body }
func (d *delivery) RoutingKey() string { return d.msg.RoutingKey }
func (d *delivery) MessageID() string  { return d.msg.MessageID }

func (d *delivery) Ack(context.Context) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.settled {
		return errors.New("memory bus: delivery already settled")
	}
	d.settled = true
	d.queue.acked++
	return nil
}

func (d *delivery) DeadLetter(context.Context, string) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	if d.settled {
		return errors.New("memory bus: delivery already settled")
	}
	d.settled = true
	d.queue.dead = append(d.queue.dead, d.msg)
	return nil
}
