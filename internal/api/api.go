package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"school-messaging/internal/auth"
	"school-messaging/internal/dispatch"
	"school-messaging/internal/model"
)

// Sessions is the lifecycle surface of the session registry.
type Sessions interface {
	Initialize(ctx context.Context, tenantID string) error
	InitializeAndWait(ctx context.Context, tenantID string) (*model.TenantSession, error)
	Status(ctx context.Context, tenantID string) (*model.TenantSession, error)
	Teardown(ctx context.Context, tenantID string) error
}

// Messenger performs quota-gated sends.
type Messenger interface {
	Send(ctx context.Context, tenantID, recipient, body string) dispatch.Result
	Broadcast(ctx context.Context, tenantID string, recipients []string, body string) dispatch.BroadcastReport
}

// Queue publishes broadcasts for background delivery and manages the per-tenant
// pipelines that drain them.
type Queue interface {
	Enqueue(ctx context.Context, tenantID string, recipients []string, body string) (uuid.UUID, int, error)
	SetWorkerCount(tenantID string, n int) error
	RemoveTenant(tenantID string) error
}

type MessageLog interface {
	ListMessagesPaginated(ctx context.Context, tenantID, cursor string, limit int) ([]model.Message, string, error)
}

type QuotaReader interface {
	QuotaUsage(ctx context.Context, tenantID string) (*model.QuotaUsage, error)
}

type API struct {
	Routers   *chi.Mux
	Sessions  Sessions
	Messenger Messenger
	// Queue is nil when queued broadcasts are disabled.
	Queue    Queue
	Messages MessageLog
	Quota    QuotaReader
	Auth     *auth.Authority
	PageSize int
}

func NewAPI(
	sessions Sessions,
	messenger Messenger,
	queue Queue,
	messages MessageLog,
	quota QuotaReader,
	authority *auth.Authority,
) *API {
	return &API{
		Routers:   chi.NewRouter(),
		Sessions:  sessions,
		Messenger: messenger,
		Queue:     queue,
		Messages:  messages,
		Quota:     quota,
		Auth:      authority,
		PageSize:  20,
	}
}
