package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// AccessToken — родительский временный доступ. Сырой секрет и OTP
// отдаются ровно один раз при создании; в БД лежит только HMAC.
type AccessToken struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`

	TokenHash   string            `gorm:"uniqueIndex;size:64;not null" json:"-"`
	OTPCode     string            `gorm:"index;size:10" json:"-"`
	PrincipalID string            `gorm:"size:64" json:"principal_id,omitempty"` // привязка к эфемерной учётке
	Username    string            `gorm:"size:60" json:"username"`
	Role        string            `gorm:"size:50;not null" json:"role"`
	CreatedBy   string            `gorm:"size:60" json:"created_by"`
	ExpiresAt   time.Time         `gorm:"index;not null" json:"expires_at"`
	UsedAt      *time.Time        `json:"used_at,omitempty"`
	RevokedAt   *time.Time        `gorm:"index" json:"revoked_at,omitempty"`
	MaxUses     int               `json:"max_uses"` // 0 = без лимита
	UseCount    int               `gorm:"default:0" json:"use_count"`
	IPAllowlist string            `gorm:"type:text" json:"ip_allowlist,omitempty"` // литеральные IP через запятую
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
}

// Active: не истёк, не отозван, лимит использований не выбран.
func (t *AccessToken) Active(now time.Time) bool {
	if !t.ExpiresAt.After(now) || t.RevokedAt != nil {
		return false
	}
	return t.MaxUses == 0 || t.UseCount < t.MaxUses
}

// AllowsIP — пустой список разрешает всё; иначе только точное совпадение.
func (t *AccessToken) AllowsIP(ip string) bool {
	if strings.TrimSpace(t.IPAllowlist) == "" {
		return true
	}
	for _, a := range strings.Split(t.IPAllowlist, ",") {
		if strings.TrimSpace(a) == ip {
			return true
		}
	}
	return false
}

// MaskOTP оставляет первые две цифры — под таким видом код попадает в аудит.
func MaskOTP(code string) string {
	if len(code) < 2 {
		return "******"
	}
	return code[:2] + "****"
}
