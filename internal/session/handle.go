package session

import "context"

// LiveHandle is the in-memory owner of one tenant generation's connection.
// At most one exists per tenant; only the Registry holds them.
type LiveHandle struct {
	TenantID   string
	Generation int64
	Client     Client

	ctx    context.Context
	cancel context.CancelFunc
}

func newLiveHandle(tenantID string, generation int64, client Client) *LiveHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveHandle{
		TenantID:   tenantID,
		Generation: generation,
		Client:     client,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Done is closed once the handle has been torn down or superseded.
func (h *LiveHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}
