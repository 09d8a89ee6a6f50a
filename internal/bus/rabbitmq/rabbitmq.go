// Package rabbitmq implements bus.Bus on top of a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"sync"
	"time"

	"example.com/fooddelivery/services/orders/internal/bus"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Config controls dialing and the reconnect supervisor.
type Config struct {
	URL            string
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failed reconnects. Zero retries forever.
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Client holds one shared connection and publish channel per process and
// re-establishes both when the broker drops them.
type Client struct {
	cfg Config

	mu      sync.RWMutex
	conn    *amqp.Connection
	pubChan *amqp.Channel
	state   bus.State
	blocked bool
	topics  map[string]struct{}
	ready   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	reconnect chan struct{}
}

var _ bus.Bus = (*Client)(nil)

// Connect dials once and starts the reconnect supervisor. A failed first dial
// is handed to the supervisor rather than returned, so the process can start
// while the broker is still coming up.
func Connect(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq: url is empty")
	}
	cfg.applyDefaults()

	c := &Client{
		cfg:       cfg,
		state:     bus.StateConnecting,
		topics:    make(map[string]struct{}),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		reconnect: make(chan struct{}, 1),
	}

	if err := c.connectOnce(); err != nil {
		log.Warn().Err(err).Msg("Initial RabbitMQ connection failed, retrying in background")
		c.setState(bus.StateReconnecting)
		c.signalReconnect()
	}

	go c.supervise()

	return c, nil
}

func (c *Client) State() bus.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s bus.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Client) setStateLocked(s bus.State) {
	if c.state == s {
		return
	}
	log.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("RabbitMQ connection state changed")
	c.state = s
}

// DeclareTopic declares a durable topic exchange and its dead-letter exchange.
// Declared topics are re-declared after every reconnect.
func (c *Client) DeclareTopic(_ context.Context, topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	ch := c.pubChan
	c.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return bus.ErrNotConnected
	}
	return declareExchanges(ch, topic)
}

func declareExchanges(ch *amqp.Channel, topic string) error {
	if err := ch.ExchangeDeclare(topic, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", topic)
	}
	if err := ch.ExchangeDeclare(bus.DeadLetterTopic(topic), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare exchange %s", bus.DeadLetterTopic(topic))
	}
	return nil
}

// Publish sends a message and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, topic, routingKey string, body []byte, opts bus.PublishOptions) error {
	c.mu.RLock()
	ch := c.pubChan
	conn := c.conn
	state := c.state
	blocked := c.blocked
	c.mu.RUnlock()

	if state == bus.StateClosed {
		return bus.ErrClosed
	}
	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		return bus.ErrNotConnected
	}
	if blocked {
		return bus.ErrBackpressure
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		MessageId:   opts.MessageID,
		ContentType: opts.ContentType,
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, topic, routingKey, false, false, msg)
	if err != nil {
		return errors.Wrap(err, "rabbitmq: publish failed")
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "rabbitmq: publish confirm not received")
	}
	if !acked {
		return errors.Wrap(bus.ErrBackpressure, "rabbitmq: broker nacked publish")
	}
	return nil
}

// Close stops the supervisor and releases the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(bus.StateClosed)

	var err error
	if c.pubChan != nil {
		_ = c.pubChan.Close()
		c.pubChan = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

func (c *Client) signalReconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// connectOnce dials, opens the publish channel in confirm mode and re-declares
// every known topic.
func (c *Client) connectOnce() error {
	start := time.Now()

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.cfg.DialTimeout),
	})
	if err != nil {
		return errors.Wrap(err, "rabbitmq: dial failed")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "rabbitmq: failed to open channel")
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return errors.Wrap(err, "rabbitmq: failed to enable publisher confirms")
	}

	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	for _, t := range topics {
		if err := declareExchanges(ch, t); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		ch.Close()
		conn.Close()
		return bus.ErrClosed
	default:
	}
	c.conn = conn
	if c.pubChan != nil {
		_ = c.pubChan.Close()
	}
	c.pubChan = ch
	c.blocked = false
	c.setStateLocked(bus.StateConnected)
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	c.mu.Unlock()

	go c.watch(conn, ch)

	log.Info().
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int("topics", len(topics)).
		Msg("Connected to RabbitMQ")

	return nil
}

// watch waits for the connection or publish channel to close and asks the
// supervisor to reconnect. It also tracks broker flow control.
func (c *Client) watch(conn *amqp.Connection, ch *amqp.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	blocking := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	for {
		select {
		case <-c.closed:
			return
		case b, ok := <-blocking:
			if !ok {
				blocking = nil
				continue
			}
			c.mu.Lock()
			c.blocked = b.Active
			c.mu.Unlock()
			log.Warn().Bool("active", b.Active).Str("reason", b.Reason).Msg("RabbitMQ flow control")
			continue
		case err := <-connClosed:
			log.Warn().Interface("reason", err).Msg("RabbitMQ connection closed")
		case err := <-chClosed:
			log.Warn().Interface("reason", err).Msg("RabbitMQ publish channel closed")
		}
		break
	}

	c.mu.Lock()
	if c.state == bus.StateClosed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(bus.StateReconnecting)
	c.ready = make(chan struct{})
	c.mu.Unlock()

	c.signalReconnect()
}

// supervise reconnects with exponential backoff. After MaxAttempts consecutive
// failures the client gives up and reports StateFailed.
func (c *Client) supervise() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.reconnect:
		}

		backoff := c.cfg.InitialBackoff
		for attempt := 1; ; attempt++ {
			select {
			case <-c.closed:
				return
			default:
			}

			err := c.connectOnce()
			if err == nil {
				log.Info().Int("attempt", attempt).Msg("Reconnected to RabbitMQ")
				break
			}
			if errors.Is(err, bus.ErrClosed) {
				return
			}

			log.Error().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("RabbitMQ reconnect failed")

			if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
				c.setState(bus.StateFailed)
				log.Error().Int("attempts", attempt).Msg("Giving up on RabbitMQ reconnect")
				return
			}

			select {
			case <-c.closed:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
		}
	}
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// awaitConnection blocks until the client is connected again.
func (c *Client) awaitConnection(ctx context.Context) error {
	c.mu.RLock()
	ready := c.ready
	state := c.state
	c.mu.RUnlock()

	switch state {
	case bus.StateConnected:
		return nil
	case bus.StateClosed:
		return bus.ErrClosed
	case bus.StateFailed:
		return errors.Wrap(bus.ErrNotConnected, "rabbitmq: reconnect attempts exhausted")
	}

	// Poll the state as well so a transition to FAILED is noticed.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return bus.ErrClosed
		case <-ready:
			return nil
		case <-ticker.C:
			if c.State() == bus.StateFailed {
				return errors.Wrap(bus.ErrNotConnected, "rabbitmq: reconnect attempts exhausted")
			}
		}
	}
}
