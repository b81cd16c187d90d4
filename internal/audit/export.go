package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"sesame/internal/repo"
)

// ExportCSV выгружает отфильтрованный журнал плоским потоком записей.
// Колонки повторяют порядок полей события; metadata — как JSON-строка.
func ExportCSV(ctx context.Context, store *repo.AuditStore, f repo.AuditFilter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"id", "created_at", "event_type", "token_id", "principal_id", "ip_address", "user_agent", "metadata"}); err != nil {
		return err
	}

	// листаем страницами, чтобы не держать весь журнал в памяти
	const page = 500
	f.Limit = page
	f.Ascending = true
	for {
		events, err := store.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, ev := range events {
			meta := ""
			if len(ev.Metadata) > 0 {
				b, err := json.Marshal(ev.Metadata)
				if err == nil {
					meta = string(b)
				}
			}
			rec := []string{
				strconv.FormatUint(uint64(ev.ID), 10),
				ev.CreatedAt.UTC().Format(time.RFC3339),
				ev.EventType,
				strconv.FormatUint(uint64(ev.TokenID), 10),
				ev.PrincipalID,
				ev.IPAddress,
				ev.UserAgent,
				meta,
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		if len(events) < page {
			break
		}
		f.Offset += page
	}
	cw.Flush()
	return cw.Error()
}
