package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"sesame/internal/models"
)

type AuditStore struct{ db *gorm.DB }

func NewAuditStore(db *gorm.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, ev *models.AuditEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// AuditFilter — типизированные предикаты выборки. Нулевое значение
// поля выключает соответствующее условие; один параметризованный
// запрос вместо россыпи веток под каждую комбинацию фильтров.
type AuditFilter struct {
	EventType string
	TokenID   uint
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
	Ascending bool
}

func (s *AuditStore) Query(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.AuditEvent{})
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.TokenID != 0 {
		q = q.Where("token_id = ?", f.TokenID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	order := "created_at DESC"
	if f.Ascending {
		order = "created_at ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []models.AuditEvent
	err := q.Order(order).Limit(limit).Offset(f.Offset).Find(&out).Error
	return out, err
}

func (s *AuditStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuditEvent{})
	return res.RowsAffected, res.Error
}
