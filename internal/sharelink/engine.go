package sharelink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"sesame/config"
	"sesame/internal/audit"
	"sesame/internal/models"
	"sesame/internal/repo"
	"sesame/internal/secrets"
)

// Engine — ссылки «показать код». Redeem никого не аутентифицирует:
// он отдаёт строку OTP для отображения. Ссылка управляет видимостью
// кода, а не его валидностью — сам код живёт по правилам токена.
type Engine struct {
	links   *repo.ShareLinkStore
	tokens  *repo.TokenStore
	audit   audit.Sink
	secret  []byte
	baseURL string
	minTTL  time.Duration
	maxTTL  time.Duration
}

func New(links *repo.ShareLinkStore, tokens *repo.TokenStore, sink audit.Sink, cfg *config.Config) *Engine {
	return &Engine{
		links:   links,
		tokens:  tokens,
		audit:   sink,
		secret:  []byte(cfg.Auth.ServerSecret),
		baseURL: cfg.Server.BaseURL,
		minTTL:  cfg.Policy.LinkMinTTL,
		maxTTL:  cfg.Policy.LinkMaxTTL,
	}
}

type IssueResult struct {
	URL        string    `json:"url"`
	LinkID     uint      `json:"link_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	SingleView bool      `json:"single_view"`
}

func (e *Engine) Issue(ctx context.Context, tokenID uint, ttl time.Duration, singleView bool, createdBy, sourceIP string) (*IssueResult, error) {
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
	if !parent.Active(now) || parent.OTPCode == "" {
		return nil, models.NotFoundOrExpired("invalid_parent_token", "parent token not found or has expired")
	}

	if _, err := e.links.SupersedeUnviewed(ctx, tokenID, now); err != nil {
		return nil, models.Storage(err)
	}

	raw, err := secrets.NewRaw(12)
	if err != nil {
		return nil, models.Storage(err)
	}
	link := &models.ShareLink{
		TokenID:     tokenID,
		OTPSnapshot: parent.OTPCode, // копия кода на момент выпуска
		SecretHash:  secrets.Sign(raw, now, e.secret),
		CreatedBy:   createdBy,
		IPAddress:   sourceIP,
		ExpiresAt:   now.Add(ttl),
		SingleView:  singleView,
	}
	link.CreatedAt = now
	if err := e.links.Create(ctx, link); err != nil {
		return nil, models.Storage(err)
	}

	e.audit.Record(ctx, &models.AuditEvent{
		TokenID:   tokenID,
		EventType: models.EventShareCreated,
		IPAddress: sourceIP,
		Metadata: datatypes.JSONMap{
			"link_id":     link.ID,
			"otp":         models.MaskOTP(parent.OTPCode),
			"expires_in":  ttl.String(),
			"single_view": singleView,
		},
	})

	return &IssueResult{
		URL:        e.baseURL + "/view?s=" + secrets.EncodeLinkParam(raw, link.ID),
		LinkID:     link.ID,
		ExpiresAt:  link.ExpiresAt,
		SingleView: singleView,
	}, nil
}

type ViewResult struct {
	OTP        string    `json:"otp"`
	ExpiresAt  time.Time `json:"expires_at"`
	SingleView bool      `json:"single_view"`
}

// Redeem возвращает OTP для показа. single_view ссылка гаснет на первом
// просмотре (first-write-wins), но сам код остаётся валидным для
// обычной OTP-проверки, пока жив токен.
func (e *Engine) Redeem(ctx context.Context, rawSecret string, linkID uint, sourceIP string) (*ViewResult, error) {
	now := time.Now().UTC()
	link, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.fail(ctx, linkID, sourceIP, "not_found")
			return nil, models.NotFoundOrExpired("not_found", "share link not found or has been removed")
		}
		return nil, models.Storage(err)
	}

	if link.SingleView && link.ViewedAt != nil {
		e.fail(ctx, linkID, sourceIP, "already_viewed")
		return nil, models.NotFoundOrExpired("already_viewed", "this link has already been viewed")
	}
	if link.ExpiresAt.Before(now) {
		e.fail(ctx, linkID, sourceIP, "expired")
		return nil, models.NotFoundOrExpired("expired", "this share link has expired")
	}
	if !secrets.Verify(link.SecretHash, rawSecret, link.CreatedAt, e.secret) {
		e.fail(ctx, linkID, sourceIP, "invalid_token")
		return nil, models.NotFoundOrExpired("invalid_token", "invalid share link token")
	}

	if link.SingleView {
		ok, err := e.links.MarkViewed(ctx, linkID, now, sourceIP)
		if err != nil {
			return nil, models.Storage(err)
		}
		if !ok {
			e.fail(ctx, linkID, sourceIP, "already_viewed")
			return nil, models.NotFoundOrExpired("already_viewed", "this link has already been viewed")
		}
	}

	e.audit.Record(ctx, &models.AuditEvent{
		TokenID:   link.TokenID,
		EventType: models.EventShareViewed,
		IPAddress: sourceIP,
		Metadata: datatypes.JSONMap{
			"link_id": linkID,
			"otp":     models.MaskOTP(link.OTPSnapshot),
		},
	})

	return &ViewResult{
		OTP:        link.OTPSnapshot,
		ExpiresAt:  link.ExpiresAt,
		SingleView: link.SingleView,
	}, nil
}

func (e *Engine) fail(ctx context.Context, linkID uint, sourceIP, reason string) {
	e.audit.Record(ctx, &models.AuditEvent{
		EventType: models.EventShareFailed,
		IPAddress: sourceIP,
		Metadata:  datatypes.JSONMap{"link_id": linkID, "reason": reason},
	})
}
