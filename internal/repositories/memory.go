package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/fooddelivery/services/orders/internal/domain"
	"example.com/fooddelivery/services/orders/internal/events"
	"example.com/fooddelivery/services/orders/internal/models"
)

// MemoryStore keeps orders and their outbox in process. It applies the same
// compare-and-swap and idempotency rules as the Postgres repositories.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
	byKey  map[string]string
	outbox []models.OutboxEvent
	nextID uint
}

var (
	_ OrderRepository  = (*MemoryStore)(nil)
	_ OutboxRepository = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*domain.Order),
		byKey:  make(map[string]string),
	}
}

func (s *MemoryStore) appendOutboxLocked(evt events.Event) error {
	row, err := models.NewOutboxEvent(evt)
	if err != nil {
		return err
	}
	s.nextID++
	row.ID = s.nextID
	s.outbox = append(s.outbox, *row)
	return nil
}

func (s *MemoryStore) Create(_ context.Context, order *domain.Order, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey != "" {
		if _, ok := s.byKey[order.IdempotencyKey]; ok {
			return ErrDuplicateIdempotencyKey
		}
	}
	if err := s.appendOutboxLocked(evt); err != nil {
		return err
	}

	order.Version = 1
	s.orders[order.ID] = order.Clone()
	if order.IdempotencyKey != "" {
		s.byKey[order.IdempotencyKey] = order.ID
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, order *domain.Order, expected domain.Status, evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Status != expected || current.Version != order.Version {
		return &domain.ConflictError{OrderID: order.ID, ExpectedStatus: expected}
	}
	if err := s.appendOutboxLocked(evt); err != nil {
		return err
	}

	order.Version++
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*domain.Order, int64, error) {
	s.mu.RLock()
	matched := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if filter.CustomerID != "" && o.CustomerID != filter.CustomerID {
			continue
		}
		if filter.RestaurantID != "" && o.RestaurantID != filter.RestaurantID {
			continue
		}
		if filter.DriverID != "" && o.DriverID != filter.DriverID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		matched = append(matched, o.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start := filter.Offset()
	if start >= len(matched) {
		return []*domain.Order{}, total, nil
	}
	end := len(matched)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []models.OutboxEvent
	for _, row := range s.outbox {
		if row.Published {
			continue
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) == limit {
			break
		}
	}
	return rows, nil
}

func (s *MemoryStore) CountPending(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, row := range s.outbox {
		if !row.Published {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].EventID == eventID {
			published := at
			s.outbox[i].Published = true
			s.outbox[i].PublishedAt = &published
			s.outbox[i].Attempts++
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, eventID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.outbox {
		if s.outbox[i].EventID == eventID {
			s.outbox[i].Attempts++
			s.outbox[i].LastError = reason
		}
	}
	return nil
}

func (s *MemoryStore) Between(_ context.Context, start, end time.Time) ([]models.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []models.OutboxEvent
	for _, row := range s.outbox {
		if row.CreatedAt.Before(start) || row.CreatedAt.After(end) {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Outbox returns every outbox row in insertion order.
func (s *MemoryStore) Outbox() []models.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.OutboxEvent(nil), s.outbox...)
}
