package database

import (
	"time"

	"example.com/fooddelivery/services/orders/internal/metrics"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "orders:start_time"

// RegisterHooks records the duration and outcome of every create, query,
// update and delete as db_<operation> timers and error rates.
func RegisterHooks(db *gorm.DB, m *metrics.Metrics) error {
	cb := db.Callback()

	registrations := []error{
		cb.Create().Before("gorm:create").Register("duration:create", markStart),
		cb.Query().Before("gorm:query").Register("duration:query", markStart),
		cb.Update().Before("gorm:update").Register("duration:update", markStart),
		cb.Delete().Before("gorm:delete").Register("duration:delete", markStart),

		cb.Create().After("gorm:create").Register("metrics:create", recorder(m, "db_create")),
		cb.Query().After("gorm:query").Register("metrics:query", recorder(m, "db_query")),
		cb.Update().After("gorm:update").Register("metrics:update", recorder(m, "db_update")),
		cb.Delete().After("gorm:delete").Register("metrics:delete", recorder(m, "db_delete")),
	}
	for _, err := range registrations {
		if err != nil {
			return errors.Wrap(err, "failed to register database hooks")
		}
	}
	return nil
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func recorder(m *metrics.Metrics, op string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if start, ok := tx.InstanceGet(startTimeKey); ok {
			if t, ok := start.(time.Time); ok {
				m.RecordTimer(op, time.Since(t))
			}
		}
		err := tx.Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = nil
		}
		m.RecordResult(op, err)
	}
}
