package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sesame/internal/models"
)

func TestMagicLinkConsumeFirstWriteWins(t *testing.T) {
	s := NewMagicLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	l := &models.MagicLink{TokenID: 1, SecretHash: "h1", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, l))

	ok, err := s.Consume(ctx, l.ID, now, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Consume(ctx, l.ID, now, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetByID(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
	assert.Equal(t, "10.0.0.1", got.UsedIP)
}

func TestMagicLinkConsumeConcurrent(t *testing.T) {
	s := NewMagicLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	l := &models.MagicLink{TokenID: 1, SecretHash: "h1", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, l))

	const workers = 16
	wins := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Consume(ctx, l.ID, now, "10.0.0.1")
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestMagicLinkSupersedeUnused(t *testing.T) {
	s := NewMagicLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.MagicLink{TokenID: 7, SecretHash: "h1", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, first))
	used := &models.MagicLink{TokenID: 7, SecretHash: "h2", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, used))
	_, err := s.Consume(ctx, used.ID, now, "10.0.0.1")
	require.NoError(t, err)
	// чужой токен не трогаем
	other := &models.MagicLink{TokenID: 8, SecretHash: "h3", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, other))

	n, err := s.SupersedeUnused(ctx, 7, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)
	assert.Equal(t, ReasonNewLink, got.UsedIP)

	got, err = s.GetByID(ctx, other.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UsedAt)
}

func TestMagicLinkPurgeExpiredBefore(t *testing.T) {
	s := NewMagicLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &models.MagicLink{TokenID: 1, SecretHash: "h1", ExpiresAt: now.Add(-2 * time.Hour)}
	require.NoError(t, s.Create(ctx, stale))
	live := &models.MagicLink{TokenID: 1, SecretHash: "h2", ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, live))

	n, err := s.PurgeExpiredBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetByID(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByID(ctx, live.ID)
	assert.NoError(t, err)
}

func TestShareLinkMarkViewed(t *testing.T) {
	s := NewShareLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	l := &models.ShareLink{TokenID: 1, OTPSnapshot: "123456", SecretHash: "h1",
		ExpiresAt: now.Add(5 * time.Minute), SingleView: true}
	require.NoError(t, s.Create(ctx, l))

	ok, err := s.MarkViewed(ctx, l.ID, now, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkViewed(ctx, l.ID, now, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShareLinkSupersedeUnviewed(t *testing.T) {
	s := NewShareLinkStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	l := &models.ShareLink{TokenID: 3, OTPSnapshot: "123456", SecretHash: "h1",
		ExpiresAt: now.Add(5 * time.Minute)}
	require.NoError(t, s.Create(ctx, l))

	n, err := s.SupersedeUnviewed(ctx, 3, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetByID(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ViewedAt)
	assert.Equal(t, ReasonNewShare, got.ViewedIP)
}
