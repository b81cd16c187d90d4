package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sesame/internal/models"
	"sesame/internal/repo"
)

func testStore(t *testing.T) *repo.AuditStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.AuditEvent{}))
	return repo.NewAuditStore(db)
}

func TestStoreSinkAppends(t *testing.T) {
	store := testStore(t)
	sink := NewStoreSink(store)
	ctx := context.Background()

	sink.Record(ctx, &models.AuditEvent{TokenID: 1, EventType: models.EventTokenCreated})

	out, err := store.Query(ctx, repo.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.EventTokenCreated, out[0].EventType)
}

func TestExportCSV(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &models.AuditEvent{
		TokenID:   1,
		EventType: models.EventTokenCreated,
		IPAddress: "10.0.0.1",
		Metadata:  datatypes.JSONMap{"role": "editor"},
	}))
	require.NoError(t, store.Append(ctx, &models.AuditEvent{
		TokenID:   1,
		EventType: models.EventOTPVerified,
	}))

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(ctx, store, repo.AuditFilter{}, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3) // заголовок + 2 события
	assert.Equal(t, []string{"id", "created_at", "event_type", "token_id", "principal_id", "ip_address", "user_agent", "metadata"}, rows[0])
	assert.Equal(t, models.EventTokenCreated, rows[1][2])
	assert.Contains(t, rows[1][7], `"role":"editor"`)
	assert.Equal(t, models.EventOTPVerified, rows[2][2])
}

func TestExportCSVFiltered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &models.AuditEvent{TokenID: 1, EventType: models.EventTokenCreated}))
	require.NoError(t, store.Append(ctx, &models.AuditEvent{TokenID: 2, EventType: models.EventOTPFailed}))

	var buf bytes.Buffer
	require.NoError(t, ExportCSV(ctx, store, repo.AuditFilter{EventType: models.EventOTPFailed}, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.EventOTPFailed, rows[1][2])
}

func TestMemSinkLast(t *testing.T) {
	s := &MemSink{}
	ctx := context.Background()

	assert.Nil(t, s.Last(models.EventTokenCreated))
	s.Record(ctx, &models.AuditEvent{TokenID: 1, EventType: models.EventTokenCreated})
	s.Record(ctx, &models.AuditEvent{TokenID: 2, EventType: models.EventTokenCreated})

	last := s.Last(models.EventTokenCreated)
	require.NotNil(t, last)
	assert.Equal(t, uint(2), last.TokenID)
}
