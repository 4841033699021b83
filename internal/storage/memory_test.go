package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"school-messaging/internal/model"
)

func TestMemoryUpsertGenerationGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	applied, err := m.Upsert(ctx, "school-1", model.StatusConnected, nil, 2)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = m.Upsert(ctx, "school-1", model.StatusDisconnected, nil, 1)
	require.NoError(t, err)
	require.False(t, applied)

	s, err := m.Read(ctx, "school-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusConnected, s.Status)
	require.Equal(t, int64(2), s.Generation)

	applied, err = m.Upsert(ctx, "school-1", model.StatusDisconnected, nil, 2)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestMemoryPayloadOnlyWhileWaitingForScan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	code := "qr"

	_, err := m.Upsert(ctx, "school-1", model.StatusWaitingForScan, &code, 1)
	require.NoError(t, err)
	s, _ := m.Read(ctx, "school-1")
	require.Equal(t, "qr", *s.PairingPayload)

	_, err = m.Upsert(ctx, "school-1", model.StatusConnected, &code, 1)
	require.NoError(t, err)
	s, _ = m.Read(ctx, "school-1")
	require.Nil(t, s.PairingPayload)
}

func TestMemoryReadUnknown(t *testing.T) {
	_, err := NewMemory().Read(context.Background(), "nobody")
	require.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestMemoryQuotaRollsOverMonthly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	lim := 2
	require.NoError(t, m.SetQuotaLimit(ctx, "school-1", &lim))

	ok, err := m.CheckAndReserve(ctx, "school-1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Commit(ctx, "school-1", 2))

	ok, err = m.CheckAndReserve(ctx, "school-1", 1)
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Hour)
	ok, err = m.CheckAndReserve(ctx, "school-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, m.Rollback(ctx, "school-1", 1))

	q, err := m.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Zero(t, q.Used)
	require.Zero(t, q.Reserved)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), q.PeriodStart)
}

func TestMemoryMessagePagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, m.InsertMessage(ctx, &model.Message{
			ID:        uuid.Must(uuid.NewV7()),
			TenantID:  "school-1",
			Recipient: "923001234567@c.us",
			Body:      string(rune('a' + i)),
			Outcome:   "OK",
		}))
	}
	require.NoError(t, m.InsertMessage(ctx, &model.Message{ID: uuid.Must(uuid.NewV7()), TenantID: "school-2"}))

	page, next, err := m.ListMessagesPaginated(ctx, "school-1", "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.NotEmpty(t, next)
	require.Equal(t, "a", page[0].Body)

	page, next, err = m.ListMessagesPaginated(ctx, "school-1", next, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Empty(t, next)
	require.Equal(t, "e", page[1].Body)

	_, _, err = m.ListMessagesPaginated(ctx, "school-1", "not-a-uuid", 3)
	require.Error(t, err)
}

func TestPartitionName(t *testing.T) {
	require.Equal(t, "messages_school_42", partitionName("school_42"))
	require.Regexp(t, `^messages_school_42_[0-9a-f]{8}$`, partitionName("School-42"))
	require.NotEqual(t, partitionName("a_b"), partitionName("a-b"))
	require.NotEqual(t, partitionName("school_1"), partitionName("School_1"))
	require.Regexp(t, `^messages_a_b_[0-9a-f]{8}$`, partitionName("a'b"))
}
