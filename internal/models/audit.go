package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditEvent — append-only запись аудита. Никогда не мутируется,
// удаляется только по retention.
type AuditEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	TokenID     uint              `gorm:"index;not null" json:"token_id"` // 0 — событие вне токена
	EventType   string            `gorm:"index;size:50;not null" json:"event_type"`
	PrincipalID string            `gorm:"size:64" json:"principal_id,omitempty"`
	IPAddress   string            `gorm:"size:45" json:"ip_address,omitempty"`
	UserAgent   string            `gorm:"type:text" json:"user_agent,omitempty"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty"`
}

// Типы событий. Неизвестные ключи в Metadata — прозрачный pass-through.
const (
	EventTokenCreated      = "token_created"
	EventTokenRevoked      = "token_revoked"
	EventTokenAutoRevoked  = "token_auto_revoked_single_use"
	EventTokenCleanup      = "token_expired_cleanup"
	EventEmergencyLock     = "emergency_lock"
	EventOTPVerified       = "otp_verified"
	EventOTPFailed         = "otp_failed"
	EventPrincipalCreated  = "principal_created"
	EventPrincipalDeleted  = "principal_deleted"
	EventMagicLinkCreated  = "magic_link_created"
	EventMagicLinkSuccess  = "magic_link_success"
	EventMagicLinkFailed   = "magic_link_failed"
	EventMagicLinksExpired = "magic_links_invalidated"
	EventShareCreated      = "otp_share_created"
	EventShareViewed       = "otp_share_viewed"
	EventShareFailed       = "otp_share_failed"
	EventRateLimited       = "rate_limit_exceeded"
	EventIPRejected        = "ip_restricted"
	EventCleanupDone       = "cleanup_completed"
)
