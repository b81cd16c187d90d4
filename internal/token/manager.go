package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"sesame/config"
	"sesame/internal/audit"
	"sesame/internal/logs"
	"sesame/internal/models"
	"sesame/internal/principal"
	"sesame/internal/repo"
	"sesame/internal/secrets"
)

// Сколько раз перегенерируем OTP/username при коллизии, прежде чем сдаться.
// Без ограничения под нагрузкой это превращается в патологический цикл.
const maxGenerateRetries = 5

const usernamePrefix = "sesame_"

type Manager struct {
	tokens     *repo.TokenStore
	audit      audit.Sink
	principals principal.Provider
	cfg        *config.Config
	secret     []byte
}

func NewManager(tokens *repo.TokenStore, sink audit.Sink, principals principal.Provider, cfg *config.Config) *Manager {
	return &Manager{
		tokens:     tokens,
		audit:      sink,
		principals: principals,
		cfg:        cfg,
		secret:     []byte(cfg.Auth.ServerSecret),
	}
}

type CreateInput struct {
	Duration    time.Duration
	Role        string
	Metadata    map[string]any
	IPAllowlist []string
	SingleUse   bool
	CreatedBy   string
	SourceIP    string
}

// CreateResult содержит сырой секрет и OTP — здесь они видны в первый
// и последний раз, хранилище их больше не отдаст. Поля Code/ExpiresAt/Role
// образуют готовый payload для внешнего канала уведомлений.
type CreateResult struct {
	Token     *models.AccessToken `json:"token"`
	RawSecret string              `json:"raw_secret"`
	Code      string              `json:"code"`
	ExpiresAt time.Time           `json:"expires_at"`
	Role      string              `json:"role"`
}

func (m *Manager) CreateToken(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.Duration < m.cfg.Policy.TokenMinDuration || in.Duration > m.cfg.Policy.TokenMaxDuration {
		return nil, models.Validation("invalid_duration",
			fmt.Sprintf("duration must be between %s and %s", m.cfg.Policy.TokenMinDuration, m.cfg.Policy.TokenMaxDuration))
	}
	if !m.roleKnown(in.Role) {
		return nil, models.Validation("invalid_role", "unknown role: "+in.Role)
	}

	now := time.Now().UTC()

	raw, err := secrets.NewRaw(32)
	if err != nil {
		return nil, models.Storage(err)
	}
	otp, err := m.generateOTP(ctx, now)
	if err != nil {
		return nil, err
	}
	username, err := m.generateUsername(ctx)
	if err != nil {
		return nil, err
	}

	t := &models.AccessToken{
		TokenHash:   secrets.Sign(raw, now, m.secret),
		OTPCode:     otp,
		Username:    username,
		Role:        in.Role,
		CreatedBy:   in.CreatedBy,
		ExpiresAt:   now.Add(in.Duration),
		MaxUses:     0,
		IPAllowlist: strings.Join(in.IPAllowlist, ","),
		Metadata:    datatypes.JSONMap(in.Metadata),
	}
	if in.SingleUse {
		t.MaxUses = 1
	}
	if err := m.tokens.Create(ctx, t); err != nil {
		return nil, models.Storage(err)
	}

	m.audit.Record(ctx, &models.AuditEvent{
		TokenID:   t.ID,
		EventType: models.EventTokenCreated,
		IPAddress: in.SourceIP,
		Metadata: datatypes.JSONMap{
			"role":       in.Role,
			"duration":   in.Duration.String(),
			"otp":        models.MaskOTP(otp),
			"single_use": in.SingleUse,
			"created_by": in.CreatedBy,
		},
	})

	return &CreateResult{
		Token:     t,
		RawSecret: raw,
		Code:      otp,
		ExpiresAt: t.ExpiresAt,
		Role:      t.Role,
	}, nil
}

// RevokeToken выставляет revoked_at (идемпотентно: повтор и несуществующий
// id — false). keepPrincipal оставляет эфемерную учётку жить до expiry —
// нужно magic-link сценарию, где сессия создана миг назад.
func (m *Manager) RevokeToken(ctx context.Context, id uint, keepPrincipal bool, actor, sourceIP string) (bool, error) {
	now := time.Now().UTC()
	ok, err := m.tokens.Revoke(ctx, id, now)
	if err != nil {
		return false, models.Storage(err)
	}
	if !ok {
		return false, nil
	}

	if !keepPrincipal {
		if t, err := m.tokens.GetByID(ctx, id); err == nil && t.PrincipalID != "" {
			m.dropPrincipal(ctx, t)
		}
	}

	m.audit.Record(ctx, &models.AuditEvent{
		TokenID:   id,
		EventType: models.EventTokenRevoked,
		IPAddress: sourceIP,
		Metadata:  datatypes.JSONMap{"revoked_by": actor, "keep_principal": keepPrincipal},
	})
	return true, nil
}

// RevokeAll — аварийная блокировка: отзывает все активные токены и
// удаляет их учётки. Возвращает количество отозванных.
func (m *Manager) RevokeAll(ctx context.Context, actor, sourceIP string) (int, error) {
	now := time.Now().UTC()
	active, err := m.tokens.ListActive(ctx, now)
	if err != nil {
		return 0, models.Storage(err)
	}

	revoked, dropped := 0, 0
	for i := range active {
		t := &active[i]
		ok, err := m.tokens.Revoke(ctx, t.ID, now)
		if err != nil {
			logs.Logger.Errorf("emergency lock: revoke token %d: %v", t.ID, err)
			continue
		}
		if ok {
			revoked++
		}
		if t.PrincipalID != "" {
			m.dropPrincipal(ctx, t)
			dropped++
		}
	}

	logs.Security("emergency_lock").Warnf("revoked=%d dropped=%d actor=%s ip=%s",
		revoked, dropped, actor, sourceIP)
	m.audit.Record(ctx, &models.AuditEvent{
		EventType: models.EventEmergencyLock,
		IPAddress: sourceIP,
		Metadata: datatypes.JSONMap{
			"revoked_tokens":     revoked,
			"deleted_principals": dropped,
			"initiated_by":       actor,
		},
	})
	return revoked, nil
}

func (m *Manager) ListActive(ctx context.Context) ([]models.AccessToken, error) {
	out, err := m.tokens.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, models.Storage(err)
	}
	return out, nil
}

// CleanupExpired: у истёкших токенов удаляет учётку и чистит привязку
// (count — по числу успешных), затем жёстко удаляет токены старше окна
// retention, чтобы ограничить рост хранилища.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := m.tokens.ExpiredWithPrincipal(ctx, now)
	if err != nil {
		return 0, models.Storage(err)
	}

	count := 0
	for i := range expired {
		t := &expired[i]
		if err := m.principals.DeletePrincipal(ctx, t.PrincipalID); err != nil {
			logs.Logger.Errorf("cleanup: delete principal %s (token %d): %v", t.PrincipalID, t.ID, err)
			continue
		}
		if err := m.tokens.ClearPrincipal(ctx, t.ID); err != nil {
			logs.Logger.Errorf("cleanup: clear principal binding, token %d: %v", t.ID, err)
			continue
		}
		count++
		m.audit.Record(ctx, &models.AuditEvent{
			TokenID:     t.ID,
			EventType:   models.EventTokenCleanup,
			PrincipalID: t.PrincipalID,
		})
	}

	cutoff := now.AddDate(0, 0, -m.cfg.Policy.RetentionDays)
	purged, err := m.tokens.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return count, models.Storage(err)
	}

	m.audit.Record(ctx, &models.AuditEvent{
		EventType: models.EventCleanupDone,
		Metadata: datatypes.JSONMap{
			"reclaimed_principals": count,
			"purged_tokens":        purged,
		},
	})
	return count, nil
}

// MaterializePrincipal — лениво создаёт эфемерную учётку при первом
// успешном redeem и переиспользует её дальше: одна учётка на токен.
func (m *Manager) MaterializePrincipal(ctx context.Context, t *models.AccessToken) (string, error) {
	if t.PrincipalID != "" {
		exists, err := m.principals.PrincipalExists(ctx, t.PrincipalID)
		if err == nil && exists {
			return t.PrincipalID, nil
		}
		// учётку удалили извне — создаём заново
	}

	id, err := m.principals.CreateEphemeralPrincipal(ctx, t.Username, t.Role)
	if err != nil {
		return "", models.Storage(err)
	}
	if err := m.tokens.BindPrincipal(ctx, t.ID, id); err != nil {
		return "", models.Storage(err)
	}
	t.PrincipalID = id

	m.audit.Record(ctx, &models.AuditEvent{
		TokenID:     t.ID,
		EventType:   models.EventPrincipalCreated,
		PrincipalID: id,
		Metadata:    datatypes.JSONMap{"username": t.Username, "role": t.Role},
	})
	return id, nil
}

func (m *Manager) dropPrincipal(ctx context.Context, t *models.AccessToken) {
	if err := m.principals.DeletePrincipal(ctx, t.PrincipalID); err != nil {
		logs.Logger.Errorf("delete principal %s (token %d): %v", t.PrincipalID, t.ID, err)
		return
	}
	if err := m.tokens.ClearPrincipal(ctx, t.ID); err != nil {
		logs.Logger.Errorf("clear principal binding, token %d: %v", t.ID, err)
	}
	m.audit.Record(ctx, &models.AuditEvent{
		TokenID:     t.ID,
		EventType:   models.EventPrincipalDeleted,
		PrincipalID: t.PrincipalID,
	})
}

func (m *Manager) roleKnown(role string) bool {
	for _, r := range m.cfg.Policy.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (m *Manager) generateOTP(ctx context.Context, now time.Time) (string, error) {
	for i := 0; i < maxGenerateRetries; i++ {
		otp, err := GenerateOTP()
		if err != nil {
			return "", models.Storage(err)
		}
		taken, err := m.tokens.OTPExists(ctx, otp, now)
		if err != nil {
			return "", models.Storage(err)
		}
		if !taken {
			return otp, nil
		}
	}
	return "", models.Storage(errors.New("otp generation: retry budget exhausted"))
}

func (m *Manager) generateUsername(ctx context.Context) (string, error) {
	for i := 0; i < maxGenerateRetries; i++ {
		suffix, err := secrets.NewRaw(4)
		if err != nil {
			return "", models.Storage(err)
		}
		name := usernamePrefix + suffix
		taken, err := m.tokens.UsernameExists(ctx, name)
		if err != nil {
			return "", models.Storage(err)
		}
		if !taken {
			return name, nil
		}
	}
	return "", models.Storage(errors.New("username generation: retry budget exhausted"))
}
