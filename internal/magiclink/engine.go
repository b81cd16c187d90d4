package magiclink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"sesame/config"
	"sesame/internal/audit"
	"sesame/internal/models"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
	"sesame/internal/secrets"
	"sesame/internal/token"
)

// Engine выпускает и гасит magic-ссылки: одноразовый короткоживущий
// bearer поверх родительского токена.
type Engine struct {
	links   *repo.MagicLinkStore
	tokens  *repo.TokenStore
	mgr     *token.Manager
	limiter *ratelimit.Limiter
	audit   audit.Sink
	secret  []byte
	baseURL string
	minTTL  time.Duration
	maxTTL  time.Duration
}

func New(links *repo.MagicLinkStore, tokens *repo.TokenStore, mgr *token.Manager,
	limiter *ratelimit.Limiter, sink audit.Sink, cfg *config.Config) *Engine {
	return &Engine{
		links:   links,
		tokens:  tokens,
		mgr:     mgr,
		limiter: limiter,
		audit:   sink,
		secret:  []byte(cfg.Auth.ServerSecret),
		baseURL: cfg.Server.BaseURL,
		minTTL:  cfg.Policy.LinkMinTTL,
		maxTTL:  cfg.Policy.LinkMaxTTL,
	}
}

type IssueResult struct {
	URL       string    `json:"url"`
	LinkID    uint      `json:"link_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue требует активный родительский токен. Прежние неиспользованные
// ссылки токена гасятся: валидная ссылка всегда максимум одна.
func (e *Engine) Issue(ctx context.Context, tokenID uint, ttl time.Duration, createdBy, sourceIP string) (*IssueResult, error) {
	if ttl < e.minTTL || ttl > e.maxTTL {
		return nil, models.Validation("invalid_ttl",
			fmt.Sprintf("link ttl must be between %s and %s", e.minTTL, e.maxTTL))
	}

	now := time.Now().UTC()
	parent, err := e.tokens.GetByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, models.NotFoundOrExpired("invalid_parent_token", "parent token not found or has expired")
		}
		return nil, models.Storage(err)
	}
	if !parent.Active(now) {
		return nil, models.NotFoundOrExpired("invalid_parent_token", "parent token not found or has expired")
	}

	superseded, err := e.links.SupersedeUnused(ctx, tokenID, now)
	if err != nil {
		return nil, models.Storage(err)
	}
	if superseded > 0 {
		e.audit.Record(ctx, &models.AuditEvent{
			TokenID:   tokenID,
			EventType: models.EventMagicLinksExpired,
			Metadata:  datatypes.JSONMap{"count": superseded, "reason": "new_link_generated"},
		})
	}

	raw, err := secrets.NewRaw(16)
	if err != nil {
		return nil, models.Storage(err)
	}
	link := &models.MagicLink{
		TokenID:    tokenID,
		SecretHash: secrets.Sign(raw, now, e.secret),
		CreatedBy:  createdBy,
		IPAddress:  sourceIP,
		ExpiresAt:  now.Add(ttl),
	}
	link.CreatedAt = now
	if err := e.links.Create(ctx, link); err != nil {
		return nil, models.Storage(err)
	}

	e.audit.Record(ctx, &models.AuditEvent{
		TokenID:   tokenID,
		EventType: models.EventMagicLinkCreated,
		IPAddress: sourceIP,
		Metadata: datatypes.JSONMap{
			"link_id":    link.ID,
			"expires_in": ttl.String(),
			"otp":        models.MaskOTP(parent.OTPCode),
			"role":       parent.Role,
		},
	})

	return &IssueResult{
		URL:       e.baseURL + "/auth/magic?m=" + secrets.EncodeLinkParam(raw, link.ID),
		LinkID:    link.ID,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

type RedeemResult struct {
	Token       *models.AccessToken `json:"token"`
	PrincipalID string              `json:"principal_id"`
	Role        string              `json:"role"`
}

// Redeem гасит ссылку и возвращает токен с материализованной учёткой.
// Каждый путь отказа различим в аудите — оператору важно отличать
// перебор от кривой настройки.
func (e *Engine) Redeem(ctx context.Context, rawSecret string, linkID uint, sourceIP string) (*RedeemResult, error) {
	if err := e.limiter.CheckLimit(ctx, ratelimit.BucketMagicLink, sourceIP); err != nil {
		if models.KindOf(err) == models.KindRateLimited {
			e.fail(ctx, linkID, sourceIP, "rate_limited")
		}
		return nil, err
	}

	now := time.Now().UTC()
	link, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			_ = e.limiter.LogAttempt(ctx, ratelimit.BucketMagicLink, "magic_link_not_found", sourceIP)
			e.fail(ctx, linkID, sourceIP, "not_found")
			return nil, models.NotFoundOrExpired("not_found", "magic link not found")
		}
		return nil, models.Storage(err)
	}

	if link.UsedAt != nil {
		e.fail(ctx, linkID, sourceIP, "already_used")
		return nil, models.NotFoundOrExpired("already_used", "this magic link has already been used")
	}
	if link.ExpiresAt.Before(now) {
		e.fail(ctx, linkID, sourceIP, "expired")
		return nil, models.NotFoundOrExpired("expired", "this magic link has expired")
	}
	if !secrets.Verify(link.SecretHash, rawSecret, link.CreatedAt, e.secret) {
		_ = e.limiter.LogAttempt(ctx, ratelimit.BucketMagicLink, "magic_link_invalid", sourceIP)
		e.fail(ctx, linkID, sourceIP, "invalid_token")
		return nil, models.NotFoundOrExpired("invalid_token", "invalid magic link token")
	}

	parent, err := e.tokens.GetByID(ctx, link.TokenID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, models.Storage(err)
		}
		e.fail(ctx, linkID, sourceIP, "parent_expired")
		return nil, models.PolicyViolation("parent_expired", "the associated access token has expired or been revoked")
	}
	if !parent.Active(now) {
		e.fail(ctx, linkID, sourceIP, "parent_expired")
		return nil, models.PolicyViolation("parent_expired", "the associated access token has expired or been revoked")
	}
	if !parent.AllowsIP(sourceIP) {
		e.fail(ctx, linkID, sourceIP, "ip_restricted")
		return nil, models.PolicyViolation("ip_restricted", "access denied from your address")
	}

	// first-write-wins: проигравший конкурентный redeem получает already_used
	ok, err := e.links.Consume(ctx, linkID, now, sourceIP)
	if err != nil {
		return nil, models.Storage(err)
	}
	if !ok {
		e.fail(ctx, linkID, sourceIP, "already_used")
		return nil, models.NotFoundOrExpired("already_used", "this magic link has already been used")
	}

	ok, err = e.tokens.Redeem(ctx, parent.ID, now)
	if err != nil {
		return nil, models.Storage(err)
	}
	if !ok {
		e.fail(ctx, linkID, sourceIP, "parent_expired")
		return nil, models.PolicyViolation("parent_expired", "the associated access token has expired or been revoked")
	}

	_ = e.limiter.ClearAttempts(ctx, ratelimit.BucketMagicLink, sourceIP)

	pid, err := e.mgr.MaterializePrincipal(ctx, parent)
	if err != nil {
		return nil, err
	}

	// Одноразовый родитель гаснет сразу, но свежесозданная учётка
	// переживает отзыв — иначе убили бы сессию, ради которой всё было.
	if parent.MaxUses == 1 {
		if _, err := e.mgr.RevokeToken(ctx, parent.ID, true, "system", sourceIP); err == nil {
			e.audit.Record(ctx, &models.AuditEvent{
				TokenID:   parent.ID,
				EventType: models.EventTokenAutoRevoked,
				IPAddress: sourceIP,
				Metadata:  datatypes.JSONMap{"via": "magic_link"},
			})
		}
	}

	parent, err = e.tokens.GetByID(ctx, parent.ID)
	if err != nil {
		return nil, models.Storage(err)
	}

	e.audit.Record(ctx, &models.AuditEvent{
		TokenID:     parent.ID,
		EventType:   models.EventMagicLinkSuccess,
		PrincipalID: pid,
		IPAddress:   sourceIP,
		Metadata: datatypes.JSONMap{
			"link_id": linkID,
			"role":    parent.Role,
			"otp":     models.MaskOTP(parent.OTPCode),
		},
	})

	return &RedeemResult{Token: parent, PrincipalID: pid, Role: parent.Role}, nil
}

func (e *Engine) fail(ctx context.Context, linkID uint, sourceIP, reason string) {
	e.audit.Record(ctx, &models.AuditEvent{
		EventType: models.EventMagicLinkFailed,
		IPAddress: sourceIP,
		Metadata:  datatypes.JSONMap{"link_id": linkID, "reason": reason},
	})
}
