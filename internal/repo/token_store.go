package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"sesame/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
)

type TokenStore struct{ db *gorm.DB }

func NewTokenStore(db *gorm.DB) *TokenStore { return &TokenStore{db: db} }

func (s *TokenStore) Create(ctx context.Context, t *models.AccessToken) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *TokenStore) GetByID(ctx context.Context, id uint) (*models.AccessToken, error) {
	var t models.AccessToken
	err := s.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// активный = не истёк, не отозван, лимит не выбран (см. models.AccessToken.Active)
const activeCond = "expires_at > ? AND revoked_at IS NULL AND (max_uses = 0 OR use_count < max_uses)"

func (s *TokenStore) FindActiveByOTP(ctx context.Context, code string, now time.Time) (*models.AccessToken, error) {
	var t models.AccessToken
	err := s.db.WithContext(ctx).
		Where("otp_code = ? AND "+activeCond, code, now).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// OTPExists — занят ли код среди активных токенов (для генерации без коллизий).
func (s *TokenStore) OTPExists(ctx context.Context, code string, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("otp_code = ? AND "+activeCond, code, now).
		Count(&n).Error
	return n > 0, err
}

func (s *TokenStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("username = ?", username).
		Count(&n).Error
	return n > 0, err
}

// Redeem — атомарный «check active + increment». Одно условное UPDATE,
// RowsAffected решает гонку за последний use одноразового токена.
func (s *TokenStore) Redeem(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("id = ? AND "+activeCond, id, now).
		Updates(map[string]any{
			"use_count": gorm.Expr("use_count + 1"),
			"used_at":   now,
		})
	return res.RowsAffected > 0, res.Error
}

// Revoke идемпотентен: повторный вызов (или несуществующий id) — false.
func (s *TokenStore) Revoke(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	return res.RowsAffected > 0, res.Error
}

func (s *TokenStore) ListActive(ctx context.Context, now time.Time) ([]models.AccessToken, error) {
	var out []models.AccessToken
	err := s.db.WithContext(ctx).
		Where(activeCond, now).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (s *TokenStore) BindPrincipal(ctx context.Context, id uint, principalID string) error {
	return s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("id = ?", id).
		Update("principal_id", principalID).Error
}

func (s *TokenStore) ClearPrincipal(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.AccessToken{}).
		Where("id = ?", id).
		Update("principal_id", "").Error
}

// ExpiredWithPrincipal — истёкшие токены, за которыми ещё числится учётка.
func (s *TokenStore) ExpiredWithPrincipal(ctx context.Context, now time.Time) ([]models.AccessToken, error) {
	var out []models.AccessToken
	err := s.db.WithContext(ctx).
		Where("expires_at < ? AND principal_id <> ''", now).
		Find(&out).Error
	return out, err
}

// PurgeOlderThan жёстко удаляет токены старше cutoff независимо от состояния.
func (s *TokenStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AccessToken{})
	return res.RowsAffected, res.Error
}
