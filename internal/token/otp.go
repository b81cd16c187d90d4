package token

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"gorm.io/datatypes"

	"sesame/internal/logs"
	"sesame/internal/models"
	"sesame/internal/ratelimit"
	"sesame/internal/repo"
)

var otpDigits = []byte("0123456789")

// GenerateOTP — 6 цифр из crypto/rand, с ведущими нулями.
func GenerateOTP() (string, error) {
	out := make([]byte, 6)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(otpDigits))))
		if err != nil {
			return "", err
		}
		out[i] = otpDigits[n.Int64()]
	}
	return string(out), nil
}

// NormalizeOTP выкидывает всё, кроме цифр (код из письма копируют с пробелами).
func NormalizeOTP(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Verifier проверяет 6-значные коды. Отдельный тип, чтобы redeem-поверхность
// не таскала весь Manager.
type Verifier struct {
	mgr     *Manager
	limiter *ratelimit.Limiter
}

func NewVerifier(mgr *Manager, limiter *ratelimit.Limiter) *Verifier {
	return &Verifier{mgr: mgr, limiter: limiter}
}

// VerifyOTP: формат → rate limit → поиск активного → allowlist →
// атомарный redeem. Неверный и несуществующий код снаружи неразличимы.
func (v *Verifier) VerifyOTP(ctx context.Context, code, sourceIP string) (*models.AccessToken, error) {
	code = NormalizeOTP(code)
	if len(code) != 6 {
		// ошибка формата — не security-событие и не попытка для rate limiter
		return nil, models.Validation("invalid_otp_format", "access code must be exactly 6 digits")
	}

	bucket := ratelimit.BucketOTP(code)
	if err := v.limiter.CheckLimit(ctx, bucket, sourceIP); err != nil {
		if models.KindOf(err) == models.KindRateLimited {
			logs.Security("otp_rate_limited").Warnf("ip=%s otp=%s", sourceIP, models.MaskOTP(code))
			v.mgr.audit.Record(ctx, &models.AuditEvent{
				EventType: models.EventRateLimited,
				IPAddress: sourceIP,
				Metadata:  datatypes.JSONMap{"otp": models.MaskOTP(code)},
			})
		}
		return nil, err
	}

	now := time.Now().UTC()
	t, err := v.mgr.tokens.FindActiveByOTP(ctx, code, now)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, models.Storage(err)
		}
		// не раскрываем, существовал ли код вообще
		if lerr := v.limiter.LogAttempt(ctx, bucket, "otp", sourceIP); lerr != nil {
			return nil, lerr
		}
		v.mgr.audit.Record(ctx, &models.AuditEvent{
			EventType: models.EventOTPFailed,
			IPAddress: sourceIP,
			Metadata:  datatypes.JSONMap{"otp": models.MaskOTP(code), "reason": "invalid_otp"},
		})
		return nil, models.NotFoundOrExpired("invalid_otp", "the access code is invalid or has expired")
	}

	if !t.AllowsIP(sourceIP) {
		v.mgr.audit.Record(ctx, &models.AuditEvent{
			TokenID:   t.ID,
			EventType: models.EventIPRejected,
			IPAddress: sourceIP,
			Metadata:  datatypes.JSONMap{"otp": models.MaskOTP(code)},
		})
		return nil, models.PolicyViolation("ip_restricted", "access code is restricted to specific addresses")
	}

	// Конкурентный redeem одноразового токена решается здесь:
	// проверка активности и инкремент — одно условное UPDATE.
	ok, err := v.mgr.tokens.Redeem(ctx, t.ID, now)
	if err != nil {
		return nil, models.Storage(err)
	}
	if !ok {
		return nil, models.NotFoundOrExpired("invalid_otp", "the access code is invalid or has expired")
	}

	if err := v.limiter.ClearAttempts(ctx, bucket, sourceIP); err != nil {
		return nil, err
	}

	t, err = v.mgr.tokens.GetByID(ctx, t.ID)
	if err != nil {
		return nil, models.Storage(err)
	}

	v.mgr.audit.Record(ctx, &models.AuditEvent{
		TokenID:   t.ID,
		EventType: models.EventOTPVerified,
		IPAddress: sourceIP,
		Metadata:  datatypes.JSONMap{"otp": models.MaskOTP(code), "use_count": t.UseCount},
	})
	return t, nil
}

// Login — redeem + материализация учётки. Одноразовый токен здесь не
// отзывается: исчерпание use_count само делает его неактивным (отзыв с
// сохранением учётки — особенность magic-link пути).
func (v *Verifier) Login(ctx context.Context, code, sourceIP string) (*models.AccessToken, string, error) {
	t, err := v.VerifyOTP(ctx, code, sourceIP)
	if err != nil {
		return nil, "", err
	}
	pid, err := v.mgr.MaterializePrincipal(ctx, t)
	if err != nil {
		return nil, "", err
	}
	return t, pid, nil
}
