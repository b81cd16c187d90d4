package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"sesame/internal/models"
)

type AttemptStore struct{ db *gorm.DB }

func NewAttemptStore(db *gorm.DB) *AttemptStore { return &AttemptStore{db: db} }

func (s *AttemptStore) Add(ctx context.Context, identifier, attemptType, ip string, at time.Time) error {
	return s.db.WithContext(ctx).Create(&models.AttemptRecord{
		Identifier:  identifier,
		AttemptType: attemptType,
		IPAddress:   ip,
		AttemptedAt: at,
	}).Error
}

// CountSince — попытки по паре (identifier, ip) внутри скользящего окна.
func (s *AttemptStore) CountSince(ctx context.Context, identifier, ip string, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AttemptRecord{}).
		Where("identifier = ? AND ip_address = ? AND attempted_at > ?", identifier, ip, since).
		Count(&n).Error
	return n, err
}

func (s *AttemptStore) Clear(ctx context.Context, identifier, ip string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("identifier = ? AND ip_address = ?", identifier, ip).
		Delete(&models.AttemptRecord{})
	return res.RowsAffected, res.Error
}

func (s *AttemptStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("attempted_at < ?", cutoff).
		Delete(&models.AttemptRecord{})
	return res.RowsAffected, res.Error
}
