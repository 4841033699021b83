// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"school-messaging/internal/model"
)

// Memory is a process-local implementation of the session store, quota gate and
// message journal. It backs tests and the no-database development mode.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]model.TenantSession
	quotas   map[string]*model.QuotaUsage
	messages map[string][]model.Message
	writes   map[string][]model.SessionStatus

	// FailWrites makes Upsert return an error, for exercising degraded persistence.
	FailWrites bool
	Now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]model.TenantSession),
		quotas:   make(map[string]*model.QuotaUsage),
		messages: make(map[string][]model.Message),
		writes:   make(map[string][]model.SessionStatus),
		Now:      time.Now,
	}
}

var errMemoryWrite = errors.New("memory store write rejected")

func (m *Memory) Upsert(
	_ context.Context, tenantID string, status model.SessionStatus, pairingPayload *string, generation int64,
) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return false, errMemoryWrite
	}
	if cur, ok := m.sessions[tenantID]; ok && cur.Generation > generation {
		return false, nil
	}
	var payload *string
	if status == model.StatusWaitingForScan && pairingPayload != nil {
		p := *pairingPayload
		payload = &p
	}
	m.sessions[tenantID] = model.TenantSession{
		TenantID:         tenantID,
		Status:           status,
		PairingPayload:   payload,
		Generation:       generation,
		LastTransitionAt: m.Now(),
	}
	m.writes[tenantID] = append(m.writes[tenantID], status)
	return true, nil
}

func (m *Memory) Read(_ context.Context, tenantID string) (*model.TenantSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return &s, nil
}

func (m *Memory) List(context.Context) ([]model.TenantSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.TenantSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Transitions returns every applied status write for tenantID, oldest first.
func (m *Memory) Transitions(tenantID string) []model.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SessionStatus(nil), m.writes[tenantID]...)
}

func (m *Memory) quota(tenantID string) *model.QuotaUsage {
	q, ok := m.quotas[tenantID]
	if !ok {
		q = &model.QuotaUsage{TenantID: tenantID, PeriodStart: model.MonthStart(m.Now())}
		m.quotas[tenantID] = q
	}
	if current := model.MonthStart(m.Now()); q.PeriodStart.Before(current) {
		q.Used = 0
		q.PeriodStart = current
	}
	return q
}

func (m *Memory) CheckAndReserve(_ context.Context, tenantID string, count int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quota(tenantID)
	if !q.Allows(count) {
		return false, nil
	}
	q.Reserved += count
	return true, nil
}

func (m *Memory) Commit(_ context.Context, tenantID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quota(tenantID)
	q.Reserved = max(q.Reserved-count, 0)
	q.Used += count
	return nil
}

func (m *Memory) Rollback(_ context.Context, tenantID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quota(tenantID)
	q.Reserved = max(q.Reserved-count, 0)
	return nil
}

func (m *Memory) SetQuotaLimit(_ context.Context, tenantID string, limit *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quota(tenantID)
	if limit == nil {
		q.Limit = nil
		return nil
	}
	l := *limit
	q.Limit = &l
	return nil
}

func (m *Memory) QuotaUsage(_ context.Context, tenantID string) (*model.QuotaUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := *m.quota(tenantID)
	return &q, nil
}

func (m *Memory) InsertMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.TenantID] = append(m.messages[msg.TenantID], *msg)
	return nil
}

func (m *Memory) ListMessagesPaginated(_ context.Context, tenantID, cursor string, limit int) ([]model.Message, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := append([]model.Message(nil), m.messages[tenantID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	start := 0
	if cursor != "" {
		after, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", errors.Wrap(err, "invalid cursor")
		}
		start = sort.Search(len(all), func(i int) bool { return all[i].ID.String() > after.String() })
	}
	end := min(start+limit, len(all))
	page := all[start:end]

	next := ""
	if len(page) == limit {
		next = page[len(page)-1].ID.String()
	}
	return page, next, nil
}

// EnsurePartition is a no-op; the in-memory journal is keyed by tenant already.
func (m *Memory) EnsurePartition(context.Context, string) error {
	return nil
}
