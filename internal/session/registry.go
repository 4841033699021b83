package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"school-messaging/internal/model"
)

const shutdownParallelism = 8

type Options struct {
	PairingTimeout time.Duration
	DestroyTimeout time.Duration
	Reconnect      ReconnectPolicy
	// Encoder renders pairing codes before they are persisted. Defaults to RawPayload.
	Encoder  PayloadEncoder
	Approver Approver
}

func (o *Options) withDefaults() {
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = 3 * time.Minute
	}
	if o.DestroyTimeout <= 0 {
		o.DestroyTimeout = 10 * time.Second
	}
	if o.Reconnect.Delay <= 0 {
		o.Reconnect.Delay = 30 * time.Second
	}
	if o.Reconnect.MaxDelay < o.Reconnect.Delay {
		o.Reconnect.MaxDelay = o.Reconnect.Delay
	}
	if o.Encoder == nil {
		o.Encoder = RawPayload
	}
	if o.Approver == nil {
		o.Approver = ApproveAll{}
	}
}

// flight is the in-flight marker of an initialize. Concurrent callers share it until
// the attempt reaches a terminal initial state.
type flight struct {
	accepted   chan struct{}
	err        error
	generation int64
	settled    <-chan struct{}
}

// done reports whether the attempt behind f has been accepted and has since settled.
// A done flight is no longer joinable and is replaced by the next initialize.
func (f *flight) done() bool {
	select {
	case <-f.accepted:
	default:
		return false
	}
	if f.err != nil || f.settled == nil {
		return true
	}
	select {
	case <-f.settled:
		return true
	default:
		return false
	}
}

// Registry is the single owner of live connection handles. It serializes nothing itself;
// per-tenant ordering is the Controller's job, cross-tenant work runs in parallel.
type Registry struct {
	store      Store
	factory    Factory
	opts       Options
	supervisor *Supervisor

	mu          sync.Mutex
	controllers map[string]*Controller
	flights     map[string]*flight
	closed      bool

	handlesMu sync.RWMutex
	handles   map[string]*LiveHandle
}

func NewRegistry(store Store, factory Factory, opts Options) *Registry {
	opts.withDefaults()
	r := &Registry{
		store:       store,
		factory:     factory,
		opts:        opts,
		controllers: make(map[string]*Controller),
		flights:     make(map[string]*flight),
		handles:     make(map[string]*LiveHandle),
	}
	r.supervisor = NewSupervisor(opts.Reconnect, r.reconnect)
	return r
}

func (r *Registry) Supervisor() *Supervisor {
	return r.supervisor
}

// Initialize starts a connection attempt for tenantID and returns once it is accepted.
// Progress is observed through Status.
func (r *Registry) Initialize(ctx context.Context, tenantID string) error {
	_, err := r.start(ctx, tenantID, initRequest{})
	return err
}

// InitializeAndWait starts (or joins) an attempt and waits for its terminal initial state.
func (r *Registry) InitializeAndWait(ctx context.Context, tenantID string) (*model.TenantSession, error) {
	f, err := r.start(ctx, tenantID, initRequest{})
	if err != nil {
		return nil, err
	}
	return r.wait(ctx, tenantID, f)
}

// Await waits for the in-flight attempt of tenantID, if any, and returns the resulting status.
func (r *Registry) Await(ctx context.Context, tenantID string) (*model.TenantSession, error) {
	r.mu.Lock()
	f := r.flights[tenantID]
	r.mu.Unlock()
	if f == nil {
		return r.Status(ctx, tenantID)
	}
	select {
	case <-f.accepted:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return r.wait(ctx, tenantID, f)
}

func (r *Registry) wait(ctx context.Context, tenantID string, f *flight) (*model.TenantSession, error) {
	if f.settled != nil {
		select {
		case <-f.settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Status(ctx, tenantID)
}

func (r *Registry) start(ctx context.Context, tenantID string, req initRequest) (*flight, error) {
	ok, err := r.opts.Approver.Approved(ctx, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "checking messaging approval")
	}
	if !ok {
		return nil, ErrNotApproved
	}

	var (
		f    *flight
		ctrl *Controller
	)
	for f == nil {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		ctrl = r.controllerLocked(tenantID)
		cur, ok := r.flights[tenantID]
		if !ok || cur.done() {
			f = &flight{accepted: make(chan struct{})}
			r.flights[tenantID] = f
			r.mu.Unlock()
			break
		}
		r.mu.Unlock()

		select {
		case <-cur.accepted:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if cur.err != nil {
			return cur, cur.err
		}
		// Let any event already queued for this attempt run before deciding to join it.
		if err := ctrl.call(func() {}); err != nil && !errors.Is(err, errControllerGone) {
			return nil, err
		}
		if !cur.done() {
			return cur, nil
		}
	}

	if req.reconnectFrom == 0 {
		r.supervisor.Cancel(tenantID)
	}
	a, err := ctrl.initialize(context.WithoutCancel(ctx), req)
	f.generation, f.settled, f.err = a.generation, a.settled, err
	close(f.accepted)

	if err != nil || a.settled == nil {
		r.dropFlight(tenantID, f)
		return f, err
	}
	go func() {
		<-a.settled
		r.dropFlight(tenantID, f)
	}()
	return f, nil
}

func (r *Registry) dropFlight(tenantID string, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flights[tenantID] == f {
		delete(r.flights, tenantID)
	}
}

func (r *Registry) controllerLocked(tenantID string) *Controller {
	c, ok := r.controllers[tenantID]
	if !ok {
		c = newController(tenantID, r)
		r.controllers[tenantID] = c
	}
	return c
}

func (r *Registry) controller(tenantID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[tenantID]
}

// InFlight reports whether an initialize for tenantID has not yet settled.
func (r *Registry) InFlight(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flights[tenantID]
	return ok
}

// Lookup returns the live handle of tenantID. It never blocks on connection work.
func (r *Registry) Lookup(tenantID string) (*LiveHandle, bool) {
	r.handlesMu.RLock()
	defer r.handlesMu.RUnlock()
	h, ok := r.handles[tenantID]
	return h, ok
}

// Status reads the persisted session. A tenant that was never initialized reports DISCONNECTED.
func (r *Registry) Status(ctx context.Context, tenantID string) (*model.TenantSession, error) {
	s, err := r.store.Read(ctx, tenantID)
	if errors.Is(err, model.ErrSessionNotFound) {
		return &model.TenantSession{TenantID: tenantID, Status: model.StatusDisconnected}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading session for tenant %s", tenantID)
	}
	return s, nil
}

// Teardown intentionally shuts down tenantID's connection. It is idempotent.
func (r *Registry) Teardown(ctx context.Context, tenantID string) error {
	r.supervisor.Cancel(tenantID)
	ctrl := r.controller(tenantID)
	if ctrl == nil {
		return nil
	}
	if err := ctrl.teardown(); err != nil && !errors.Is(err, errControllerGone) {
		return err
	}
	r.evictIdle(tenantID, ctrl)
	return nil
}

// evictIdle drops ctrl and stops its mailbox once the tenant has no live handle, no
// unsettled attempt and no pending retry. The next initialize creates a fresh controller,
// which picks its generation up from the store.
func (r *Registry) evictIdle(tenantID string, ctrl *Controller) {
	r.mu.Lock()
	if r.closed || r.controllers[tenantID] != ctrl {
		r.mu.Unlock()
		return
	}
	if f, ok := r.flights[tenantID]; ok && !f.done() {
		r.mu.Unlock()
		return
	}
	if _, live := r.Lookup(tenantID); live {
		r.mu.Unlock()
		return
	}
	if _, pending := r.supervisor.Pending(tenantID); pending {
		r.mu.Unlock()
		return
	}
	delete(r.controllers, tenantID)
	delete(r.flights, tenantID)
	r.mu.Unlock()

	ctrl.box.stop()
	log.WithField("tenant", tenantID).Debug("evicted idle session controller")
}

// Restore reconciles persisted sessions after a process start: rows stuck mid-handshake
// are cleared, connected rows are re-initialized from stored credentials.
func (r *Registry) Restore(ctx context.Context) error {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "listing persisted sessions")
	}
	for _, s := range sessions {
		entry := log.WithFields(log.Fields{"tenant": s.TenantID, "generation": s.Generation})
		switch s.Status {
		case model.StatusInitializing, model.StatusWaitingForScan:
			r.mu.Lock()
			ctrl := r.controllerLocked(s.TenantID)
			r.mu.Unlock()
			if err := ctrl.recoverStale(s); err != nil {
				entry.WithError(err).Warn("failed to clear stale session")
			}
		case model.StatusConnected:
			if _, err := r.start(ctx, s.TenantID, initRequest{recovering: true}); err != nil {
				entry.WithError(err).Warn("failed to restore connected session")
				continue
			}
			entry.Info("restoring connected session")
		}
	}
	return nil
}

// Tenants lists tenants that currently hold a live handle.
func (r *Registry) Tenants() []string {
	r.handlesMu.RLock()
	defer r.handlesMu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// Close stops reconnects and releases every live handle without persisting DISCONNECTED.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	r.supervisor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownParallelism)
	for _, c := range ctrls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c.shutdown()
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) bind(h *LiveHandle) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	r.handles[h.TenantID] = h
}

func (r *Registry) unbind(tenantID string, generation int64) {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	if h, ok := r.handles[tenantID]; ok && h.Generation == generation {
		delete(r.handles, tenantID)
	}
}

func (r *Registry) connected(tenantID string, _ int64) {
	r.supervisor.Reset(tenantID)
}

func (r *Registry) lost(tenantID string, generation int64) {
	r.supervisor.Schedule(tenantID, generation)
}

func (r *Registry) reconnect(tenantID string, generation int64) {
	entry := log.WithFields(log.Fields{"tenant": tenantID, "generation": generation})
	_, err := r.start(context.Background(), tenantID, initRequest{reconnectFrom: generation})
	switch {
	case err == nil:
		entry.Info("reconnect attempt started")
	case errors.Is(err, errStaleReconnect):
		entry.Debug("reconnect skipped, session changed since it was scheduled")
	case errors.Is(err, ErrClosed), errors.Is(err, ErrNotApproved):
		entry.WithError(err).Info("reconnect abandoned")
	case errors.Is(err, ErrClientStart):
		entry.WithError(err).Warn("reconnect attempt failed to start")
		r.supervisor.Schedule(tenantID, generation+1)
	default:
		entry.WithError(err).Warn("reconnect attempt failed, rescheduling")
		r.supervisor.Schedule(tenantID, generation)
	}
}
