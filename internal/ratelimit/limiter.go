package ratelimit

import (
	"context"
	"time"

	"sesame/internal/models"
	"sesame/internal/repo"
)

// Гранулярность бакетов (намеренно разная per тип учётки):
//   - OTP: "otp_"+код — перебор кодов упирается в лимит на каждый код,
//     а легитимный пользователь с правильным кодом не ловит чужую блокировку;
//   - ссылки: имя операции — id ссылки приходит от атакующего, бакет
//     по id ротировался бы бесплатно.
const (
	BucketMagicLink = "magic_link"
	BucketShareLink = "share_link"
)

func BucketOTP(code string) string { return "otp_" + code }

// Limiter — скользящее окно поверх журнала попыток. Чистый счётчик,
// никаких бан-листов: блокировка истекает сама, когда записи выходят
// из окна. Гонки на чтении/записи допустимы — лишняя учтённая попытка
// смещает в сторону более строгой блокировки.
type Limiter struct {
	attempts    *repo.AttemptStore
	maxAttempts int
	window      time.Duration
}

func New(attempts *repo.AttemptStore, maxAttempts int, window time.Duration) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{attempts: attempts, maxAttempts: maxAttempts, window: window}
}

// CheckLimit возвращает RateLimited, когда счётчик окна достиг максимума.
// Сама проверка счётчик не увеличивает.
func (l *Limiter) CheckLimit(ctx context.Context, identifier, ip string) error {
	n, err := l.attempts.CountSince(ctx, identifier, ip, time.Now().UTC().Add(-l.window))
	if err != nil {
		return models.Storage(err)
	}
	if n >= int64(l.maxAttempts) {
		return models.RateLimited(l.window)
	}
	return nil
}

func (l *Limiter) LogAttempt(ctx context.Context, identifier, attemptType, ip string) error {
	if err := l.attempts.Add(ctx, identifier, attemptType, ip, time.Now().UTC()); err != nil {
		return models.Storage(err)
	}
	return nil
}

// ClearAttempts сбрасывает счётчик (вызывается при успехе).
func (l *Limiter) ClearAttempts(ctx context.Context, identifier, ip string) error {
	if _, err := l.attempts.Clear(ctx, identifier, ip); err != nil {
		return models.Storage(err)
	}
	return nil
}

// Remaining — сколько попыток осталось до блокировки.
func (l *Limiter) Remaining(ctx context.Context, identifier, ip string) (int, error) {
	n, err := l.attempts.CountSince(ctx, identifier, ip, time.Now().UTC().Add(-l.window))
	if err != nil {
		return 0, models.Storage(err)
	}
	rem := l.maxAttempts - int(n)
	if rem < 0 {
		rem = 0
	}
	return rem, nil
}

func (l *Limiter) Window() time.Duration { return l.window }
