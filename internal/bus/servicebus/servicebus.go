// Package servicebus implements bus.Bus on Azure Service Bus topics and subscriptions.
package servicebus

import (
	"context"
	"strings"
	"sync"
	"time"

	"example.com/fooddelivery/services/orders/internal/bus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// routingKeyProperty carries the AMQP-style routing key on every message.
const routingKeyProperty = "routingKey"

// Client publishes to topics and receives from subscriptions. Routing keys are
// carried as an application property and matched by a SQL rule.
type Client struct {
	client *azservicebus.Client
	admin  *admin.Client

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
	state   bus.State
}

var _ bus.Bus = (*Client)(nil)

func NewClient(connStr string) (*Client, error) {
	if connStr == "" {
		return nil, errors.New("servicebus: connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	adminClient, err := admin.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus admin client")
	}

	return &Client{
		client:  client,
		admin:   adminClient,
		senders: make(map[string]*azservicebus.Sender),
		state:   bus.StateConnected,
	}, nil
}

func (c *Client) DeclareTopic(ctx context.Context, topic string) error {
	existing, err := c.admin.GetTopic(ctx, topic, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to look up topic %s", topic)
	}
	if existing != nil {
		return nil
	}
	if _, err := c.admin.CreateTopic(ctx, topic, nil); err != nil {
		return errors.Wrapf(err, "failed to create topic %s", topic)
	}
	log.Info().Str("topic", topic).Msg("Created Service Bus topic")
	return nil
}

func (c *Client) sender(topic string) (*azservicebus.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == bus.StateClosed {
		return nil, bus.ErrClosed
	}
	if s, ok := c.senders[topic]; ok {
		return s, nil
	}
	s, err := c.client.NewSender(topic, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create sender for %s", topic)
	}
	c.senders[topic] = s
	return s, nil
}

func (c *Client) Publish(ctx context.Context, topic, routingKey string, body []byte, opts bus.PublishOptions) error {
	s, err := c.sender(topic)
	if err != nil {
		return err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	msg := &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		Subject:     &routingKey,
		ApplicationProperties: map[string]any{
			routingKeyProperty: routingKey,
			"time":             time.Now().UTC().Format(time.RFC3339),
		},
	}
	if opts.MessageID != "" {
		id := opts.MessageID
		msg.MessageID = &id
	}

	if err := s.SendMessage(ctx, msg, nil); err != nil {
		c.noteError(err)
		return classify(err)
	}
	c.setState(bus.StateConnected)
	return nil
}

// Subscribe makes sure the subscription exists with a rule for the binding
// pattern, then receives one message at a time.
func (c *Client) Subscribe(ctx context.Context, sub bus.Subscription, h bus.Handler) error {
	if err := c.ensureSubscription(ctx, sub); err != nil {
		return err
	}

	receiver, err := c.client.NewReceiverForSubscription(sub.Topic, sub.Queue, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for %s/%s", sub.Topic, sub.Queue)
	}
	defer receiver.Close(context.Background())

	log.Info().Str("topic", sub.Topic).Str("subscription", sub.Queue).Msg("Service Bus consumer started")

	backoff := time.Second
	for {
		messages, err := receiver.ReceiveMessages(ctx, 1, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.noteError(err)
			log.Error().Err(err).Str("subscription", sub.Queue).Dur("backoff", backoff).Msg("Error receiving messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		c.setState(bus.StateConnected)

		for _, m := range messages {
			d := &delivery{receiver: receiver, msg: m}
			// The SQL rule is a prefix match; re-check the full topic pattern.
			if !bus.MatchRoutingKey(sub.BindingPattern, d.RoutingKey()) {
				_ = d.Ack(ctx)
				continue
			}
			h(ctx, d)
		}
	}
}

func (c *Client) ensureSubscription(ctx context.Context, sub bus.Subscription) error {
	if err := c.DeclareTopic(ctx, sub.Topic); err != nil {
		return err
	}

	existing, err := c.admin.GetSubscription(ctx, sub.Topic, sub.Queue, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to look up subscription %s", sub.Queue)
	}
	if existing != nil {
		return nil
	}

	if _, err := c.admin.CreateSubscription(ctx, sub.Topic, sub.Queue, nil); err != nil {
		return errors.Wrapf(err, "failed to create subscription %s", sub.Queue)
	}

	ruleName := "routing"
	_, err = c.admin.CreateRule(ctx, sub.Topic, sub.Queue, &admin.CreateRuleOptions{
		Name:   &ruleName,
		Filter: &admin.SQLFilter{Expression: SQLFilter(sub.BindingPattern)},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create rule on %s", sub.Queue)
	}
	if _, err := c.admin.DeleteRule(ctx, sub.Topic, sub.Queue, "$Default", nil); err != nil {
		return errors.Wrapf(err, "failed to delete default rule on %s", sub.Queue)
	}

	log.Info().Str("subscription", sub.Queue).Str("pattern", sub.BindingPattern).Msg("Created Service Bus subscription")
	return nil
}

// SQLFilter approximates an AMQP topic pattern with a LIKE prefix on the routing
// key property. Everything from the first wildcard on becomes "%".
func SQLFilter(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "'", "''")
	i := strings.IndexAny(pattern, "*#")
	if i < 0 {
		return routingKeyProperty + " = '" + pattern + "'"
	}
	prefix := strings.ReplaceAll(pattern[:i], "_", "[_]")
	return routingKeyProperty + " LIKE '" + prefix + "%'"
}

func (c *Client) State() bus.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s bus.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != bus.StateClosed {
		c.state = s
	}
}

// noteError marks the client as reconnecting on connection-level failures. The
// SDK re-establishes links itself on the next operation.
func (c *Client) noteError(err error) {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeConnectionLost {
		c.setState(bus.StateReconnecting)
	}
}

func classify(err error) error {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeConnectionLost:
			return errors.Wrap(bus.ErrNotConnected, err.Error())
		case azservicebus.CodeTimeout:
			return errors.Wrap(bus.ErrBackpressure, err.Error())
		}
	}
	return errors.Wrap(err, "servicebus: send failed")
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = bus.StateClosed

	for topic, s := range c.senders {
		if err := s.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Failed to close sender")
		}
	}
	c.senders = map[string]*azservicebus.Sender{}
	return c.client.Close(context.Background())
}

type delivery struct {
	receiver *azservicebus.Receiver
	msg      *azservicebus.ReceivedMessage
}

func (d *delivery) Body() []byte { return d.msg.Body }

func (d *delivery) RoutingKey() string {
	if v, ok := d.msg.ApplicationProperties[routingKeyProperty].(string); ok {
		return v
	}
	if d.msg.Subject != nil {
		return *d.msg.Subject
	}
	return ""
}

func (d *delivery) MessageID() string { return d.msg.MessageID }

func (d *delivery) Ack(ctx context.Context) error {
	return d.receiver.CompleteMessage(ctx, d.msg, nil)
}

func (d *delivery) DeadLetter(ctx context.Context, reason string) error {
	description := "rejected by consumer"
	return d.receiver.DeadLetterMessage(ctx, d.msg, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	})
}
