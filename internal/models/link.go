package models

import "time"

// MagicLink — одноразовая короткоживущая ссылка поверх AccessToken.
// На токен одновременно живёт не больше одной неиспользованной ссылки:
// выпуск новой помечает прежние used (used_ip хранит причину).
type MagicLink struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TokenID    uint       `gorm:"index;not null" json:"token_id"`
	SecretHash string     `gorm:"index;size:64;not null" json:"-"`
	CreatedBy  string     `gorm:"size:60" json:"created_by"`
	IPAddress  string     `gorm:"size:45" json:"ip_address,omitempty"`
	ExpiresAt  time.Time  `gorm:"index;not null" json:"expires_at"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	UsedIP     string     `gorm:"size:45" json:"used_ip,omitempty"`
}

// ShareLink показывает OTP, но сам по себе никого не аутентифицирует.
// single_view — ссылку можно открыть ровно один раз.
type ShareLink struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TokenID     uint       `gorm:"index;not null" json:"token_id"`
	OTPSnapshot string     `gorm:"size:10;not null" json:"-"` // копия кода на момент выпуска
	SecretHash  string     `gorm:"index;size:64;not null" json:"-"`
	CreatedBy   string     `gorm:"size:60" json:"created_by"`
	IPAddress   string     `gorm:"size:45" json:"ip_address,omitempty"`
	ExpiresAt   time.Time  `gorm:"index;not null" json:"expires_at"`
	SingleView  bool       `json:"single_view"`
	ViewedAt    *time.Time `json:"viewed_at,omitempty"`
	ViewedIP    string     `gorm:"size:45" json:"viewed_ip,omitempty"`
}
