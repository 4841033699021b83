// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"school-messaging/internal/model"
)

type Storage struct {
	DB *sql.DB

	partitions sync.Map
	now        func() time.Time
}

func NewStorage(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &Storage{DB: db, now: time.Now}, nil
}

// Migrate creates the tables this service owns.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "applying schema")
	}
	return nil
}

// Upsert writes a session transition unless a newer generation is already stored.
func (s *Storage) Upsert(
	ctx context.Context, tenantID string, status model.SessionStatus, pairingPayload *string, generation int64,
) (bool, error) {
	if status != model.StatusWaitingForScan {
		pairingPayload = nil
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO messaging_sessions (tenant_id, status, pairing_payload, generation, last_transition_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET status = EXCLUDED.status,
		    pairing_payload = EXCLUDED.pairing_payload,
		    generation = EXCLUDED.generation,
		    last_transition_at = EXCLUDED.last_transition_at
		WHERE messaging_sessions.generation <= EXCLUDED.generation
	`, tenantID, string(status), pairingPayload, generation)
	if err != nil {
		return false, errors.Wrapf(err, "upserting session for tenant %s", tenantID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading upsert result")
	}
	return n == 1, nil
}

func (s *Storage) Read(ctx context.Context, tenantID string) (*model.TenantSession, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT tenant_id, status, pairing_payload, generation, last_transition_at
		FROM messaging_sessions
		WHERE tenant_id = $1
	`, tenantID)
	ts, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading session for tenant %s", tenantID)
	}
	return ts, nil
}

func (s *Storage) List(ctx context.Context) ([]model.TenantSession, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT tenant_id, status, pairing_payload, generation, last_transition_at
		FROM messaging_sessions
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "listing sessions")
	}
	defer rows.Close()

	var sessions []model.TenantSession
	for rows.Next() {
		ts, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning session")
		}
		sessions = append(sessions, *ts)
	}
	return sessions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.TenantSession, error) {
	var (
		ts      model.TenantSession
		status  string
		payload sql.NullString
	)
	if err := row.Scan(&ts.TenantID, &status, &payload, &ts.Generation, &ts.LastTransitionAt); err != nil {
		return nil, err
	}
	ts.Status = model.SessionStatus(status)
	if payload.Valid {
		p := payload.String
		ts.PairingPayload = &p
	}
	return &ts, nil
}

// CheckAndReserve reserves count sends against the tenant's monthly allowance.
// The counter rolls over when a new calendar month has started.
func (s *Storage) CheckAndReserve(ctx context.Context, tenantID string, count int) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "beginning quota transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messaging_quotas (tenant_id) VALUES ($1) ON CONFLICT DO NOTHING`, tenantID); err != nil {
		return false, errors.Wrap(err, "ensuring quota row")
	}

	q, err := s.lockQuota(ctx, tx, tenantID)
	if err != nil {
		return false, err
	}
	s.rollover(q)

	allowed := q.Allows(count)
	if allowed {
		q.Reserved += count
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messaging_quotas SET used = $2, reserved = $3, period_start = $4 WHERE tenant_id = $1
	`, tenantID, q.Used, q.Reserved, q.PeriodStart); err != nil {
		return false, errors.Wrap(err, "updating quota reservation")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "committing quota reservation")
	}
	return allowed, nil
}

func (s *Storage) Commit(ctx context.Context, tenantID string, count int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messaging_quotas
		SET reserved = GREATEST(reserved - $2, 0), used = used + $2
		WHERE tenant_id = $1
	`, tenantID, count)
	return errors.Wrapf(err, "committing %d sends for tenant %s", count, tenantID)
}

func (s *Storage) Rollback(ctx context.Context, tenantID string, count int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE messaging_quotas SET reserved = GREATEST(reserved - $2, 0) WHERE tenant_id = $1
	`, tenantID, count)
	return errors.Wrapf(err, "rolling back %d sends for tenant %s", count, tenantID)
}

// SetQuotaLimit sets the monthly allowance; nil removes the ceiling.
func (s *Storage) SetQuotaLimit(ctx context.Context, tenantID string, limit *int) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO messaging_quotas (tenant_id, monthly_limit) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET monthly_limit = EXCLUDED.monthly_limit
	`, tenantID, limit)
	return errors.Wrapf(err, "setting quota limit for tenant %s", tenantID)
}

func (s *Storage) QuotaUsage(ctx context.Context, tenantID string) (*model.QuotaUsage, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT monthly_limit, used, reserved, period_start FROM messaging_quotas WHERE tenant_id = $1
	`, tenantID)
	q, err := scanQuota(row, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.QuotaUsage{TenantID: tenantID, PeriodStart: model.MonthStart(s.now())}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading quota for tenant %s", tenantID)
	}
	s.rollover(q)
	return q, nil
}

func (s *Storage) lockQuota(ctx context.Context, tx *sql.Tx, tenantID string) (*model.QuotaUsage, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT monthly_limit, used, reserved, period_start FROM messaging_quotas WHERE tenant_id = $1 FOR UPDATE
	`, tenantID)
	q, err := scanQuota(row, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "locking quota for tenant %s", tenantID)
	}
	return q, nil
}

func scanQuota(row scanner, tenantID string) (*model.QuotaUsage, error) {
	var (
		q     = model.QuotaUsage{TenantID: tenantID}
		limit sql.NullInt64
	)
	if err := row.Scan(&limit, &q.Used, &q.Reserved, &q.PeriodStart); err != nil {
		return nil, err
	}
	if limit.Valid {
		l := int(limit.Int64)
		q.Limit = &l
	}
	return &q, nil
}

func (s *Storage) rollover(q *model.QuotaUsage) {
	if current := model.MonthStart(s.now()); q.PeriodStart.Before(current) {
		q.Used = 0
		q.PeriodStart = current
	}
}

// EnsurePartition creates a tenant partition of the message journal if not exists
func (s *Storage) EnsurePartition(ctx context.Context, tenantID string) error {
	if _, done := s.partitions.Load(tenantID); done {
		return nil
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF messages
		FOR VALUES IN (%s)`, pq.QuoteIdentifier(partitionName(tenantID)), pq.QuoteLiteral(tenantID))

	if _, err := s.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create partition: %w", err)
	}
	s.partitions.Store(tenantID, struct{}{})
	return nil
}

// partitionName maps a tenant id to a table name. Ids that had to be rewritten get a
// hash suffix so that "a-b" and "a_b" land in different partitions.
func partitionName(tenantID string) string {
	var b strings.Builder
	b.WriteString("messages_")
	for _, r := range tenantID {
		r = unicode.ToLower(r)
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if strings.TrimPrefix(b.String(), "messages_") == tenantID {
		return b.String()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return fmt.Sprintf("%s_%08x", b.String(), h.Sum32())
}

// InsertMessage journals a send outcome into the tenant's partition
func (s *Storage) InsertMessage(ctx context.Context, m *model.Message) error {
	if err := s.EnsurePartition(ctx, m.TenantID); err != nil {
		return err
	}
	query := `
		INSERT INTO messages (id, tenant_id, broadcast_id, recipient, body, outcome, detail, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.DB.ExecContext(ctx, query,
		m.ID, m.TenantID, m.BroadcastID, m.Recipient, m.Body, m.Outcome, m.Detail, m.ExternalID, m.CreatedAt)
	return errors.Wrap(err, "inserting message")
}

// ListMessagesPaginated retrieves messages using cursor-based pagination.
// Message ids are UUIDv7, so id order is creation order.
func (s *Storage) ListMessagesPaginated(ctx context.Context, tenantID, cursor string, limit int) ([]model.Message, string, error) {
	query := `
		SELECT id, tenant_id, broadcast_id, recipient, body, outcome, detail, external_id, created_at
		FROM messages
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR id > $2::uuid)
		ORDER BY id
		LIMIT $3
	`

	var cursorArg any
	if cursor != "" {
		id, err := uuid.Parse(cursor)
		if err != nil {
			return nil, "", errors.Wrap(err, "invalid cursor")
		}
		cursorArg = id
	}
	rows, err := s.DB.QueryContext(ctx, query, tenantID, cursorArg, limit)
	if err != nil {
		return nil, "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	var lastID uuid.UUID
	for rows.Next() {
		var (
			m           model.Message
			broadcastID uuid.NullUUID
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &broadcastID, &m.Recipient, &m.Body,
			&m.Outcome, &m.Detail, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scan failed: %w", err)
		}
		if broadcastID.Valid {
			id := broadcastID.UUID
			m.BroadcastID = &id
		}
		lastID = m.ID
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating messages: %w", err)
	}

	nextCursor := ""
	if len(messages) == limit {
		nextCursor = lastID.String()
	}

	return messages, nextCursor, nil
}

func (s *Storage) Close() error {
	return s.DB.Close()
}
