package events

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Kind is the routing key of an order event.
type Kind string

const (
	KindOrderCreated        Kind = "order.created"
	KindOrderConfirmed      Kind = "order.confirmed"
	KindOrderPreparing      Kind = "order.preparing"
	KindOrderReady          Kind = "order.ready"
	KindOrderOutForDelivery Kind = "order.out_for_delivery"
	KindOrderDelivered      Kind = "order.delivered"
	KindOrderCancelled      Kind = "order.cancelled"
)

// Kinds lists every event kind this service publishes.
var Kinds = []Kind{
	KindOrderCreated,
	KindOrderConfirmed,
	KindOrderPreparing,
	KindOrderReady,
	KindOrderOutForDelivery,
	KindOrderDelivered,
	KindOrderCancelled,
}

func (k Kind) String() string {
	return string(k)
}

// Known reports whether k is one of the published kinds.
func (k Kind) Known() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is the envelope put on the bus. Data holds the typed payload for Type.
type Event struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderID returns the order the event refers to, if the payload carries one.
func (e Event) OrderID() string {
	if p, ok := e.Data.(interface{ orderID() string }); ok {
		return p.orderID()
	}
	return ""
}

// NewID builds <type>-<unix millis>-<random hex>.
func NewID(kind Kind, now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return string(kind) + "-" + strconv.FormatInt(now.UnixNano(), 10)
	}
	return string(kind) + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(b)
}

func newEvent(kind Kind, data any, now time.Time) Event {
	now = now.UTC()
	return Event{
		ID:        NewID(kind, now),
		Type:      kind,
		Data:      data,
		Timestamp: now,
	}
}

type rawEvent struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode parses an envelope and decodes its data into the payload type of its
// kind. Unknown kinds keep their data as json.RawMessage.
func Decode(body []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, errors.Wrap(err, "failed to unmarshal event envelope")
	}
	if raw.Type == "" {
		return Event{}, errors.New("event envelope has no type")
	}

	evt := Event{ID: raw.ID, Type: raw.Type, Timestamp: raw.Timestamp}

	payload := newPayload(raw.Type)
	if payload == nil {
		evt.Data = raw.Data
		return evt, nil
	}
	if len(raw.Data) == 0 {
		return Event{}, errors.Errorf("event %s has no data", raw.Type)
	}
	if err := json.Unmarshal(raw.Data, payload); err != nil {
		return Event{}, errors.Wrapf(err, "failed to unmarshal %s payload", raw.Type)
	}
	evt.Data = deref(payload)
	return evt, nil
}

func newPayload(kind Kind) any {
	switch kind {
	case KindOrderCreated:
		return &OrderCreatedData{}
	case KindOrderConfirmed:
		return &OrderConfirmedData{}
	case KindOrderPreparing:
		return &OrderPreparingData{}
	case KindOrderReady:
		return &OrderReadyData{}
	case KindOrderOutForDelivery:
		return &OrderOutForDeliveryData{}
	case KindOrderDelivered:
		return &OrderDeliveredData{}
	case KindOrderCancelled:
		return &OrderCancelledData{}
	}
	return nil
}

func deref(p any) any {
	switch v := p.(type) {
	case *OrderCreatedData:
		return *v
	case *OrderConfirmedData:
		return *v
	case *OrderPreparingData:
		return *v
	case *OrderReadyData:
		return *v
	case *OrderOutForDeliveryData:
		return *v
	case *OrderDeliveredData:
		return *v
	case *OrderCancelledData:
		return *v
	}
	return p
}
