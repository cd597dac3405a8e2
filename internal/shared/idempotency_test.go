package shared

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStoreRejectsReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryIdempotencyStore()

	require.NoError(t, store.CheckAndInsert(ctx, "ledger:adjust:k1", "ledger"))
	err := store.CheckAndInsert(ctx, "ledger:adjust:k1", "ledger")
	require.ErrorIs(t, err, ErrIdempotencyConflict)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, store.Delete(ctx, "ledger:adjust:k1"))
	require.NoError(t, store.CheckAndInsert(ctx, "ledger:adjust:k1", "ledger"))

	require.Error(t, store.CheckAndInsert(ctx, "", "ledger"))
	require.Error(t, store.CheckAndInsert(ctx, "k2", ""))
}

func TestSlogAuditLoggerWritesEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := SlogAuditLogger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	require.NoError(t, logger.Record(context.Background(), AuditLog{
		Actor: "station-1", Action: "line:grade", Entity: "demand_line", EntityID: "7",
		Meta: map[string]any{"grade": "green"},
	}))
	require.Contains(t, buf.String(), `"action":"line:grade"`)
	require.Contains(t, buf.String(), `"grade":"green"`)

	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "line:grade"}))
}

func TestAuditSamplingLockKey(t *testing.T) {
	require.Equal(t, "floorops:audit-sampling:2026-10-16:lock", AuditSamplingLockKey("2026-10-16"))
}
