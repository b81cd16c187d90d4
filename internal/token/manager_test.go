package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sesame/config"
	"sesame/internal/audit"
	"sesame/internal/models"
	"sesame/internal/principal"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
)

type env struct {
	db       *gorm.DB
	tokens   *repo.TokenStore
	sink     *audit.MemSink
	provider *principal.MemProvider
	cfg      *config.Config
	mgr      *Manager
	verifier *Verifier
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.ServerSecret = "test-server-secret"
	cfg.Server.BaseURL = "http://sesame.test"
	cfg.Policy.Roles = []string{"administrator", "editor", "support"}
	cfg.Policy.TokenMinDuration = time.Hour
	cfg.Policy.TokenMaxDuration = 30 * 24 * time.Hour
	cfg.Policy.MaxAttempts = 3
	cfg.Policy.LockoutWindow = 15 * time.Minute
	cfg.Policy.RetentionDays = 30
	cfg.Policy.LinkMinTTL = time.Minute
	cfg.Policy.LinkMaxTTL = 10 * time.Minute
	return cfg
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.AccessToken{},
		&models.MagicLink{},
		&models.ShareLink{},
		&models.AttemptRecord{},
		&models.AuditEvent{}))

	e := &env{
		db:       db,
		tokens:   repo.NewTokenStore(db),
		sink:     &audit.MemSink{},
		provider: principal.NewMemProvider(),
		cfg:      testConfig(),
	}
	e.mgr = NewManager(e.tokens, e.sink, e.provider, e.cfg)
	limiter := ratelimit.New(repo.NewAttemptStore(db), e.cfg.Policy.MaxAttempts, e.cfg.Policy.LockoutWindow)
	e.verifier = NewVerifier(e.mgr, limiter)
	return e
}

func (e *env) countTokens(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.AccessToken{}).Count(&n).Error)
	return n
}

func TestCreateTokenRejectsBadDuration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, d := range []time.Duration{30 * time.Minute, 31 * 24 * time.Hour, 0} {
		_, err := e.mgr.CreateToken(ctx, CreateInput{Duration: d, Role: "editor"})
		require.Error(t, err, "duration %s", d)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
		assert.Equal(t, "invalid_duration", models.CodeOf(err))
	}
	// отклонённые запросы не оставляют следов в хранилище
	assert.EqualValues(t, 0, e.countTokens(t))
}

func TestCreateTokenRejectsUnknownRole(t *testing.T) {
	e := newEnv(t)

	_, err := e.mgr.CreateToken(context.Background(), CreateInput{Duration: 2 * time.Hour, Role: "superuser"})
	require.Error(t, err)
	assert.Equal(t, "invalid_role", models.CodeOf(err))
	assert.EqualValues(t, 0, e.countTokens(t))
}

func TestCreateTokenSuccess(t *testing.T) {
	e := newEnv(t)

	res, err := e.mgr.CreateToken(context.Background(), CreateInput{
		Duration:  2 * time.Hour,
		Role:      "editor",
		CreatedBy: "ops",
		SourceIP:  "10.0.0.1",
	})
	require.NoError(t, err)
	require.Len(t, res.Code, 6)
	assert.NotEmpty(t, res.RawSecret)
	assert.Equal(t, "editor", res.Role)
	assert.Contains(t, res.Token.Username, usernamePrefix)
	assert.Equal(t, 0, res.Token.MaxUses)

	ev := e.sink.Last(models.EventTokenCreated)
	require.NotNil(t, ev)
	assert.Equal(t, res.Token.ID, ev.TokenID)
	// в аудит попадает маска, не сам код
	assert.Equal(t, models.MaskOTP(res.Code), ev.Metadata["otp"])
}

func TestVerifyOTPHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)

	got, err := e.verifier.VerifyOTP(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, res.Token.ID, got.ID)
	assert.Equal(t, 1, got.UseCount)
	require.NotNil(t, got.UsedAt)
	require.NotNil(t, e.sink.Last(models.EventOTPVerified))

	// код с пробелами из письма — тоже принимается
	got, err = e.verifier.VerifyOTP(ctx, " "+res.Code[:3]+" "+res.Code[3:]+" ", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)
}

func TestVerifyOTPFormatError(t *testing.T) {
	e := newEnv(t)

	_, err := e.verifier.VerifyOTP(context.Background(), "12345", "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
	// ошибка формата — не событие безопасности
	assert.Nil(t, e.sink.Last(models.EventOTPFailed))
}

func TestVerifyOTPWrongCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)

	_, err = e.verifier.VerifyOTP(ctx, "000000", "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
	assert.Equal(t, "invalid_otp", models.CodeOf(err))
	require.NotNil(t, e.sink.Last(models.EventOTPFailed))
}

func TestVerifyOTPRateLimitPerCode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)

	// выбираем лимит на одном неверном коде
	for i := 0; i < e.cfg.Policy.MaxAttempts; i++ {
		_, err := e.verifier.VerifyOTP(ctx, "000000", "10.0.0.1")
		require.Error(t, err)
		assert.Equal(t, models.KindNotFound, models.KindOf(err))
	}
	_, err = e.verifier.VerifyOTP(ctx, "000000", "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.KindRateLimited, models.KindOf(err))
	require.NotNil(t, e.sink.Last(models.EventRateLimited))

	// бакет — на код: правильный код проходит несмотря на блокировку чужого
	got, err := e.verifier.VerifyOTP(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, res.Token.ID, got.ID)
}

func TestVerifyOTPSingleUseExhaustion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor", SingleUse: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Token.MaxUses)

	_, err = e.verifier.VerifyOTP(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)

	_, err = e.verifier.VerifyOTP(ctx, res.Code, "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestVerifyOTPIPAllowlist(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{
		Duration:    2 * time.Hour,
		Role:        "editor",
		IPAllowlist: []string{"192.168.1.5"},
	})
	require.NoError(t, err)

	_, err = e.verifier.VerifyOTP(ctx, res.Code, "10.0.0.1")
	require.Error(t, err)
	assert.Equal(t, models.KindPolicy, models.KindOf(err))
	assert.Equal(t, "ip_restricted", models.CodeOf(err))
	require.NotNil(t, e.sink.Last(models.EventIPRejected))

	_, err = e.verifier.VerifyOTP(ctx, res.Code, "192.168.1.5")
	require.NoError(t, err)
}

func TestLoginMaterializesPrincipalOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "support"})
	require.NoError(t, err)

	_, pid1, err := e.verifier.Login(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, pid1)
	assert.Equal(t, 1, e.provider.Len())

	// повторный вход переиспользует учётку
	_, pid2, err := e.verifier.Login(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, pid1, pid2)
	assert.Equal(t, 1, e.provider.Len())
}

func TestRevokeTokenDropsPrincipal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)
	_, _, err = e.verifier.Login(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, e.provider.Len())

	ok, err := e.mgr.RevokeToken(ctx, res.Token.ID, false, "ops", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, e.provider.Len())

	// повтор — идемпотентно false
	ok, err = e.mgr.RevokeToken(ctx, res.Token.ID, false, "ops", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeTokenKeepPrincipal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)
	_, _, err = e.verifier.Login(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)

	ok, err := e.mgr.RevokeToken(ctx, res.Token.ID, true, "system", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	// учётка переживает отзыв
	assert.Equal(t, 1, e.provider.Len())
}

func TestRevokeAll(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
		require.NoError(t, err)
		if i == 0 {
			_, _, err = e.verifier.Login(ctx, res.Code, "10.0.0.1")
			require.NoError(t, err)
		}
	}

	n, err := e.mgr.RevokeAll(ctx, "ops", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, e.provider.Len())
	require.NotNil(t, e.sink.Last(models.EventEmergencyLock))

	active, err := e.mgr.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCleanupExpiredReclaimsPrincipals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.mgr.CreateToken(ctx, CreateInput{Duration: 2 * time.Hour, Role: "editor"})
	require.NoError(t, err)
	_, _, err = e.verifier.Login(ctx, res.Code, "10.0.0.1")
	require.NoError(t, err)

	// насильно истекаем токен
	require.NoError(t, e.db.Model(&models.AccessToken{}).
		Where("id = ?", res.Token.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	n, err := e.mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, e.provider.Len())

	got, err := e.tokens.GetByID(ctx, res.Token.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PrincipalID)
	require.NotNil(t, e.sink.Last(models.EventTokenCleanup))

	done := e.sink.Last(models.EventCleanupDone)
	require.NotNil(t, done)
	assert.EqualValues(t, 1, done.Metadata["reclaimed_principals"])
}
