package session

import (
	"context"

	"school-messaging/internal/model"
)

// Store is the durable per-tenant session record.
//
// Upsert must be atomic per tenant row and must discard writes whose generation is
// lower than the stored one; applied reports whether the write took effect.
// Read returns model.ErrSessionNotFound for a tenant that was never initialized.
type Store interface {
	Upsert(ctx context.Context, tenantID string, status model.SessionStatus, pairingPayload *string, generation int64) (applied bool, err error)
	Read(ctx context.Context, tenantID string) (*model.TenantSession, error)
	List(ctx context.Context) ([]model.TenantSession, error)
}

// Approver decides whether a tenant may run a messaging session at all.
type Approver interface {
	Approved(ctx context.Context, tenantID string) (bool, error)
}

// ApproveAll allows every tenant.
type ApproveAll struct{}

func (ApproveAll) Approved(context.Context, string) (bool, error) { return true, nil }

// ApprovedSet allows only the listed tenants. An empty set allows everyone.
type ApprovedSet map[string]struct{}

func NewApprovedSet(ids []string) ApprovedSet {
	set := make(ApprovedSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s ApprovedSet) Approved(_ context.Context, tenantID string) (bool, error) {
	if len(s) == 0 {
		return true, nil
	}
	_, ok := s[tenantID]
	return ok, nil
}
