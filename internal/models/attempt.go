package models

import "time"

// AttemptRecord — строка журнала неудачных попыток для rate limiter.
// Только добавление; старые строки вычищает фоновая уборка.
type AttemptRecord struct {
	ID uint `gorm:"primaryKey"`

	Identifier  string    `gorm:"size:100;not null;index:idx_attempt_ident_ip,priority:1"`
	AttemptType string    `gorm:"size:20;not null"`
	IPAddress   string    `gorm:"size:45;not null;index:idx_attempt_ident_ip,priority:2"`
	AttemptedAt time.Time `gorm:"index;not null"`
}
