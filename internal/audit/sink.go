package audit

import (
	"context"

	"sesame/internal/logs"
	"sesame/internal/models"
	"sesame/internal/repo"
)

// Sink принимает события аудита. Явная зависимость вместо «амбиентного»
// логирования: кто пишет — тот и получает sink при конструировании.
type Sink interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// StoreSink пишет события в БД. Ошибка записи аудита не валит вызывающую
// операцию — уходит в операционный лог.
type StoreSink struct {
	store *repo.AuditStore
}

func NewStoreSink(store *repo.AuditStore) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Record(ctx context.Context, ev *models.AuditEvent) {
	if err := s.store.Append(ctx, ev); err != nil {
		logs.Logger.Errorf("audit append failed: event=%s token=%d err=%v", ev.EventType, ev.TokenID, err)
	}
}

// NopSink — заглушка для тестов и выключенного аудита.
type NopSink struct{}

func (NopSink) Record(context.Context, *models.AuditEvent) {}

// MemSink копит события в памяти (для тестов).
type MemSink struct {
	Events []models.AuditEvent
}

func (m *MemSink) Record(_ context.Context, ev *models.AuditEvent) {
	m.Events = append(m.Events, *ev)
}

// Last возвращает последнее событие указанного типа или nil.
func (m *MemSink) Last(eventType string) *models.AuditEvent {
	for i := len(m.Events) - 1; i >= 0; i-- {
		if m.Events[i].EventType == eventType {
			return &m.Events[i]
		}
	}
	return nil
}
