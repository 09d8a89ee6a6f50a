package search

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"example.com/fooddelivery/services/orders/config"
	"example.com/fooddelivery/services/orders/internal/domain"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TrackingDocument is the read model the tracking view serves. Empty fields
// are left untouched on update.
type TrackingDocument struct {
	OrderID               string     `json:"orderId"`
	OrderNumber           string     `json:"orderNumber,omitempty"`
	CustomerID            string     `json:"customerId,omitempty"`
	RestaurantID          string     `json:"restaurantId,omitempty"`
	DriverID              string     `json:"driverId,omitempty"`
	DeliveryType          string     `json:"deliveryType,omitempty"`
	Status                string     `json:"status"`
	LastEvent             string     `json:"lastEvent"`
	EstimatedDeliveryTime *time.Time `json:"estimatedDeliveryTime,omitempty"`
	DeliveredAt           *time.Time `json:"deliveredAt,omitempty"`
	CancelledBy           string     `json:"cancelledBy,omitempty"`
	CancellationReason    string     `json:"cancellationReason,omitempty"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ErrTrackingDisabled is returned by reads when Elasticsearch is not configured.
var ErrTrackingDisabled = errors.New("order tracking is disabled")

// TrackingIndex stores tracking documents.
type TrackingIndex interface {
	UpsertTracking(ctx context.Context, doc TrackingDocument) error
}

// TrackingReader serves tracking documents.
type TrackingReader interface {
	GetTracking(ctx context.Context, orderID string) (*TrackingDocument, error)
}

// TrackingStore is both sides of the tracking projection.
type TrackingStore interface {
	TrackingIndex
	TrackingReader
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{client: client, config: cfg}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// UpsertTracking merges doc into the order's tracking document, creating it on
// first sight.
func (c *ElasticClient) UpsertTracking(ctx context.Context, doc TrackingDocument) error {
	body, err := json.Marshal(map[string]interface{}{
		"doc":           doc,
		"doc_as_upsert": true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal tracking document")
	}

	req := esapi.UpdateRequest{
		Index:           c.indexName(),
		DocumentID:      doc.OrderID,
		Body:            bytes.NewReader(body),
		RetryOnConflict: esapi.IntPtr(3),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch update request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "update")
	}

	log.Debug().Str("order_id", doc.OrderID).Str("status", doc.Status).Msg("Tracking document updated")
	return nil
}

// GetTracking fetches the tracking document for orderID.
func (c *ElasticClient) GetTracking(ctx context.Context, orderID string) (*TrackingDocument, error) {
	req := esapi.GetRequest{Index: c.indexName(), DocumentID: orderID}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch get request")
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(domain.ErrNotFound, "tracking for order %s", orderID)
	}
	if res.IsError() {
		return nil, responseError(res, "get")
	}

	var hit struct {
		Source TrackingDocument `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&hit); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch get response")
	}
	return &hit.Source, nil
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error [%d]: %v", op, res.StatusCode, e)
}

// NoopIndex discards documents when Elasticsearch is disabled.
type NoopIndex struct{}

func (NoopIndex) UpsertTracking(_ context.Context, doc TrackingDocument) error {
	log.Debug().Str("order_id", doc.OrderID).Msg("Elasticsearch disabled, tracking update skipped")
	return nil
}

func (NoopIndex) GetTracking(context.Context, string) (*TrackingDocument, error) {
	return nil, ErrTrackingDisabled
}

// NewTrackingIndex picks the Elasticsearch index or a no-op based on cfg.
func NewTrackingIndex(cfg config.ElasticConfig) (TrackingStore, error) {
	if !cfg.Enabled {
		return NoopIndex{}, nil
	}
	return NewElasticClient(cfg)
}
