package dispatch_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"school-messaging/internal/dispatch"
	"school-messaging/internal/model"
	"school-messaging/internal/storage"
)

// scriptedSender succeeds for every recipient not listed in fail.
type scriptedSender struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (s *scriptedSender) Send(_ context.Context, _, recipient, _ string) dispatch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recipient)
	if s.fail[recipient] {
		return dispatch.Result{Code: dispatch.CodeSendFailure, Detail: "boom", Recipient: recipient}
	}
	return dispatch.Result{Code: dispatch.CodeOK, Recipient: recipient, MessageID: "id-" + recipient}
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func limit(n int) *int { return &n }

func TestGatedSendCommitsQuota(t *testing.T) {
	store := storage.NewMemory()
	sender := &scriptedSender{}
	g := dispatch.NewGated(sender, store, store, 2)
	ctx := context.Background()
	require.NoError(t, store.SetQuotaLimit(ctx, "school-1", limit(10)))

	res := g.Send(ctx, "school-1", "923001234567", "hi")
	require.True(t, res.OK())

	q, err := store.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Equal(t, 1, q.Used)
	require.Zero(t, q.Reserved)

	msgs, _, err := store.ListMessagesPaginated(ctx, "school-1", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, string(dispatch.CodeOK), msgs[0].Outcome)
	require.Equal(t, "id-923001234567", msgs[0].ExternalID)
	require.Nil(t, msgs[0].BroadcastID)
}

func TestGatedSendRollsBackFailure(t *testing.T) {
	store := storage.NewMemory()
	sender := &scriptedSender{fail: map[string]bool{"923001234567": true}}
	g := dispatch.NewGated(sender, store, store, 1)
	ctx := context.Background()

	res := g.Send(ctx, "school-1", "923001234567", "hi")
	require.Equal(t, dispatch.CodeSendFailure, res.Code)

	q, err := store.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Zero(t, q.Used)
	require.Zero(t, q.Reserved)
}

func TestGatedSendQuotaExceeded(t *testing.T) {
	store := storage.NewMemory()
	sender := &scriptedSender{}
	g := dispatch.NewGated(sender, store, store, 1)
	ctx := context.Background()
	require.NoError(t, store.SetQuotaLimit(ctx, "school-1", limit(1)))

	require.True(t, g.Send(ctx, "school-1", "923001234567", "one").OK())
	res := g.Send(ctx, "school-1", "923001234568", "two")
	require.Equal(t, dispatch.CodeQuotaExceeded, res.Code)
	require.Equal(t, 1, sender.count())

	msgs, _, err := store.ListMessagesPaginated(ctx, "school-1", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestSendJobJournalsBroadcastID(t *testing.T) {
	store := storage.NewMemory()
	g := dispatch.NewGated(&scriptedSender{}, store, store, 1)
	ctx := context.Background()
	job := model.OutboundJob{BroadcastID: [16]byte{1}, TenantID: "school-1", Recipient: "923001234567", Body: "hi"}

	require.True(t, g.SendJob(ctx, job).OK())
	msgs, _, err := store.ListMessagesPaginated(ctx, "school-1", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].BroadcastID)
	require.Equal(t, job.BroadcastID, *msgs[0].BroadcastID)
}

func TestBroadcastDedupesAndAccounts(t *testing.T) {
	store := storage.NewMemory()
	sender := &scriptedSender{fail: map[string]bool{"923001234569": true}}
	g := dispatch.NewGated(sender, store, store, 3)
	ctx := context.Background()
	require.NoError(t, store.SetQuotaLimit(ctx, "school-1", limit(5)))

	report := g.Broadcast(ctx, "school-1",
		[]string{"923001234567", " 923001234567", "923001234568", "", "923001234569"}, "Exam tomorrow")
	require.False(t, report.Denied)
	require.Equal(t, 3, report.Required)
	require.Equal(t, 2, report.Sent)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Results, 3)
	require.Equal(t, 3, sender.count())

	q, err := store.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Equal(t, 2, q.Used)
	require.Zero(t, q.Reserved)

	msgs, _, err := store.ListMessagesPaginated(ctx, "school-1", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.Equal(t, report.BroadcastID, *m.BroadcastID)
	}
}

func TestBroadcastDeniedWhenBatchExceedsQuota(t *testing.T) {
	store := storage.NewMemory()
	sender := &scriptedSender{}
	g := dispatch.NewGated(sender, store, store, 2)
	ctx := context.Background()
	require.NoError(t, store.SetQuotaLimit(ctx, "school-1", limit(2)))

	report := g.Broadcast(ctx, "school-1", []string{"923001234567", "923001234568", "923001234569"}, "hi")
	require.True(t, report.Denied)
	require.Equal(t, 3, report.Required)
	require.Zero(t, sender.count())

	q, err := store.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Zero(t, q.Used+q.Reserved)
}

func TestDedupeRecipients(t *testing.T) {
	got := dispatch.DedupeRecipients([]string{"b", "a", " b ", "", "c", "a"})
	require.Equal(t, []string{"b", "a", "c"}, got)
	require.Empty(t, dispatch.DedupeRecipients(strings.Fields("   ")))
}

type unreachableGate struct{}

func (unreachableGate) CheckAndReserve(context.Context, string, int) (bool, error) {
	return false, errors.New("connection refused")
}
func (unreachableGate) Commit(context.Context, string, int) error   { return nil }
func (unreachableGate) Rollback(context.Context, string, int) error { return nil }

func TestBroadcastReportsUnavailableQuotaStore(t *testing.T) {
	sender := &scriptedSender{}
	g := dispatch.NewGated(sender, unreachableGate{}, nil, 2)

	report := g.Broadcast(context.Background(), "school-1", []string{"923001234567"}, "hi")
	require.True(t, report.Unavailable)
	require.False(t, report.Denied)
	require.Zero(t, sender.count())
}

func TestApplyQuotaLimits(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetQuotaLimit(ctx, "school-2", limit(5)))

	require.NoError(t, dispatch.ApplyQuotaLimits(ctx, store, map[string]int{
		"school-1": 1,
		"school-2": -1,
	}))

	q, err := store.QuotaUsage(ctx, "school-1")
	require.NoError(t, err)
	require.Equal(t, 1, *q.Limit)
	q, err = store.QuotaUsage(ctx, "school-2")
	require.NoError(t, err)
	require.Nil(t, q.Limit)

	g := dispatch.NewGated(&scriptedSender{}, store, store, 1)
	require.True(t, g.Send(ctx, "school-1", "923001234567", "first").OK())
	require.Equal(t, dispatch.CodeQuotaExceeded, g.Send(ctx, "school-1", "923001234567", "second").Code)
}
