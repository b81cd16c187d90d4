package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sesame/internal/models"
)

// Причины инвалидации кладём в used_ip/viewed_ip — как пометку, не адрес.
const (
	ReasonNewLink  = "invalidated_by_new_link"
	ReasonNewShare = "invalidated_by_new_share"
)

type MagicLinkStore struct{ db *gorm.DB }

func NewMagicLinkStore(db *gorm.DB) *MagicLinkStore { return &MagicLinkStore{db: db} }

func (s *MagicLinkStore) Create(ctx context.Context, l *models.MagicLink) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *MagicLinkStore) GetByID(ctx context.Context, id uint) (*models.MagicLink, error) {
	var l models.MagicLink
	err := s.db.WithContext(ctx).First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// SupersedeUnused помечает все неиспользованные ссылки токена used:
// одновременно живёт максимум одна валидная ссылка.
func (s *MagicLinkStore) SupersedeUnused(ctx context.Context, tokenID uint, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.MagicLink{}).
		Where("token_id = ? AND used_at IS NULL", tokenID).
		Updates(map[string]any{"used_at": now, "used_ip": ReasonNewLink})
	return res.RowsAffected, res.Error
}

// Consume — first-write-wins: второй конкурентный redeem получит false.
func (s *MagicLinkStore) Consume(ctx context.Context, id uint, now time.Time, ip string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.MagicLink{}).
		Where("id = ? AND used_at IS NULL", id).
		Updates(map[string]any{"used_at": now, "used_ip": ip})
	return res.RowsAffected > 0, res.Error
}

func (s *MagicLinkStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&models.MagicLink{})
	return res.RowsAffected, res.Error
}

type ShareLinkStore struct{ db *gorm.DB }

func NewShareLinkStore(db *gorm.DB) *ShareLinkStore { return &ShareLinkStore{db: db} }

func (s *ShareLinkStore) Create(ctx context.Context, l *models.ShareLink) error {
	return s.db.WithContext(ctx).Create(l).Error
}

func (s *ShareLinkStore) GetByID(ctx context.Context, id uint) (*models.ShareLink, error) {
	var l models.ShareLink
	err := s.db.WithContext(ctx).First(&l, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *ShareLinkStore) SupersedeUnviewed(ctx context.Context, tokenID uint, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.ShareLink{}).
		Where("token_id = ? AND viewed_at IS NULL", tokenID).
		Updates(map[string]any{"viewed_at": now, "viewed_ip": ReasonNewShare})
	return res.RowsAffected, res.Error
}

// MarkViewed используется только для single_view ссылок; многоразовые
// остаются c viewed_at IS NULL.
func (s *ShareLinkStore) MarkViewed(ctx context.Context, id uint, now time.Time, ip string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ShareLink{}).
		Where("id = ? AND viewed_at IS NULL", id).
		Updates(map[string]any{"viewed_at": now, "viewed_ip": ip})
	return res.RowsAffected > 0, res.Error
}

func (s *ShareLinkStore) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", cutoff).
		Delete(&models.ShareLink{})
	return res.RowsAffected, res.Error
}
