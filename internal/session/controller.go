package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"school-messaging/internal/metrics"
	"school-messaging/internal/model"
)

const storeWriteTimeout = 5 * time.Second

// hooks is how a Controller reports handle ownership and recovery needs to its Registry.
type hooks interface {
	bind(h *LiveHandle)
	unbind(tenantID string, generation int64)
	connected(tenantID string, generation int64)
	lost(tenantID string, generation int64)
}

// initRequest describes why an initialize was requested.
type initRequest struct {
	// reconnectFrom is the generation a reconnect was scheduled for; zero for caller requests.
	reconnectFrom int64
	// recovering marks attempts expected to restore stored credentials without a scan.
	recovering bool
}

type attempt struct {
	generation int64
	settled    <-chan struct{}
}

// Controller drives one tenant's connection state machine. Every mutation runs on the
// controller's mailbox goroutine: API calls, client events and timer expiries alike.
type Controller struct {
	tenantID       string
	store          Store
	factory        Factory
	encode         PayloadEncoder
	hooks          hooks
	pairingTimeout time.Duration
	destroyTimeout time.Duration

	box     *mailbox
	log     *log.Entry
	current atomic.Int64

	// owned by the mailbox goroutine
	generation   int64
	status       model.SessionStatus
	handle       *LiveHandle
	deliberate   bool
	torndown     bool
	recovering   bool
	pairingTimer *time.Timer
	settled      chan struct{}
}

func newController(tenantID string, r *Registry) *Controller {
	c := &Controller{
		tenantID:       tenantID,
		store:          r.store,
		factory:        r.factory,
		encode:         r.opts.Encoder,
		hooks:          r,
		pairingTimeout: r.opts.PairingTimeout,
		destroyTimeout: r.opts.DestroyTimeout,
		box:            newMailbox(),
		log:            log.WithField("tenant", tenantID),
		status:         model.StatusDisconnected,
	}
	go c.box.run()
	return c
}

// call runs fn on the mailbox goroutine and waits for it to finish.
func (c *Controller) call(fn func()) error {
	done := make(chan struct{})
	if !c.box.post(func() {
		defer close(done)
		fn()
	}) {
		return errControllerGone
	}
	select {
	case <-done:
		return nil
	case <-c.box.done:
		select {
		case <-done:
			return nil
		default:
			return errControllerGone
		}
	}
}

// Generation returns the most recently allocated generation.
func (c *Controller) Generation() int64 {
	return c.current.Load()
}

func (c *Controller) initialize(ctx context.Context, req initRequest) (attempt, error) {
	var (
		a   attempt
		err error
	)
	if cerr := c.call(func() { a, err = c.doInitialize(ctx, req) }); cerr != nil {
		return attempt{}, cerr
	}
	return a, err
}

func (c *Controller) doInitialize(ctx context.Context, req initRequest) (attempt, error) {
	if req.reconnectFrom != 0 && (req.reconnectFrom != c.generation || c.torndown || c.handle != nil) {
		return attempt{}, errStaleReconnect
	}

	if old := c.release(); old != nil {
		c.log.WithField("generation", old.Generation).Info("tore down previous connection before initialize")
	}
	c.settle()

	prev := c.generation
	stored, err := c.store.Read(ctx, c.tenantID)
	switch {
	case err == nil:
		if stored.Generation > prev {
			prev = stored.Generation
		}
	case errors.Is(err, model.ErrSessionNotFound):
	default:
		return attempt{}, errors.Wrap(err, "reading session generation")
	}

	gen := prev + 1
	c.generation = gen
	c.current.Store(gen)
	c.deliberate = false
	c.torndown = false
	c.recovering = req.recovering || req.reconnectFrom != 0
	c.settled = make(chan struct{})
	a := attempt{generation: gen, settled: c.settled}

	entry := c.log.WithField("generation", gen)
	entry.Info("initializing messaging session")
	c.persist(gen, model.StatusInitializing, nil)

	client, err := c.factory.Create(c.tenantID, gen, c.eventsFor(gen))
	if err != nil {
		entry.WithError(err).Error("failed to create connection client")
		c.persist(gen, model.StatusFailed, nil)
		c.settle()
		return a, errors.Wrap(ErrClientStart, err.Error())
	}

	h := newLiveHandle(c.tenantID, gen, client)
	c.handle = h
	c.hooks.bind(h)
	c.pairingTimer = time.AfterFunc(c.pairingTimeout, func() {
		c.box.post(func() { c.onDeadline(gen) })
	})

	if err := client.Start(h.ctx); err != nil {
		entry.WithError(err).Error("failed to start connection client")
		c.release()
		c.persist(gen, model.StatusFailed, nil)
		c.settle()
		return a, errors.Wrap(ErrClientStart, err.Error())
	}
	return a, nil
}

func (c *Controller) teardown() error {
	return c.call(func() {
		c.torndown = true
		h := c.release()
		if h == nil {
			return
		}
		c.log.WithField("generation", h.Generation).Info("messaging session torn down")
		c.persist(h.Generation, model.StatusDisconnected, nil)
		c.settle()
	})
}

// shutdown releases the live connection without touching the persisted status,
// so a CONNECTED tenant is restored on the next process start.
func (c *Controller) shutdown() {
	_ = c.call(func() {
		c.torndown = true
		c.release()
		c.settle()
	})
	c.box.stop()
}

// recoverStale rewrites a row left mid-handshake by a previous process.
func (c *Controller) recoverStale(stored model.TenantSession) error {
	return c.call(func() {
		if stored.Generation > c.generation {
			c.generation = stored.Generation
			c.current.Store(stored.Generation)
		}
		if c.handle != nil {
			return
		}
		c.log.WithFields(log.Fields{
			"generation": stored.Generation,
			"status":     stored.Status,
		}).Warn("clearing session left mid-handshake by previous process")
		c.persist(stored.Generation, model.StatusDisconnected, nil)
	})
}

// release destroys the live handle, if any, and cancels its timers. It never writes status.
func (c *Controller) release() *LiveHandle {
	c.stopTimer()
	h := c.handle
	if h == nil {
		return nil
	}
	c.handle = nil
	c.deliberate = true
	h.cancel()
	c.hooks.unbind(c.tenantID, h.Generation)

	ctx, cancel := context.WithTimeout(context.Background(), c.destroyTimeout)
	defer cancel()
	if err := h.Client.Destroy(ctx); err != nil {
		c.log.WithError(err).WithField("generation", h.Generation).Warn("error destroying connection client")
	}
	return h
}

func (c *Controller) stopTimer() {
	if c.pairingTimer != nil {
		c.pairingTimer.Stop()
		c.pairingTimer = nil
	}
}

func (c *Controller) settle() {
	if c.settled == nil {
		return
	}
	select {
	case <-c.settled:
	default:
		close(c.settled)
	}
}

func (c *Controller) eventsFor(gen int64) Events {
	return Events{
		OnPairingData: func(payload string) {
			c.box.post(func() { c.onPairingData(gen, payload) })
		},
		OnReady: func() {
			c.box.post(func() { c.onReady(gen) })
		},
		OnAuthenticated: func() {
			c.box.post(func() { c.onAuthenticated(gen) })
		},
		OnAuthRejected: func(reason string) {
			c.box.post(func() { c.onAuthRejected(gen, reason) })
		},
		OnDisconnected: func(reason string) {
			c.box.post(func() { c.onDisconnected(gen, reason) })
		},
	}
}

func (c *Controller) live(gen int64, event string) bool {
	if c.handle != nil && c.handle.Generation == gen && gen == c.generation {
		return true
	}
	metrics.StaleEvents.Inc()
	c.log.WithFields(log.Fields{
		"generation": gen,
		"current":    c.generation,
		"event":      event,
	}).Debug("discarding event from superseded connection")
	return false
}

func (c *Controller) onPairingData(gen int64, raw string) {
	if !c.live(gen, "pairing-data") {
		return
	}
	if c.status == model.StatusConnected {
		c.log.WithField("generation", gen).Warn("ignoring pairing data on connected session")
		return
	}
	payload, err := c.encode(raw)
	if err != nil {
		c.log.WithError(err).Warn("failed to encode pairing payload, storing raw code")
		payload = raw
	}
	c.log.WithField("generation", gen).Info("pairing data received")
	c.persist(gen, model.StatusWaitingForScan, &payload)
}

func (c *Controller) onReady(gen int64) {
	if !c.live(gen, "ready") {
		return
	}
	c.stopTimer()
	c.log.WithField("generation", gen).Info("messaging session ready")
	c.persist(gen, model.StatusConnected, nil)
	c.settle()
	c.hooks.connected(c.tenantID, gen)
}

func (c *Controller) onAuthenticated(gen int64) {
	if !c.live(gen, "authenticated") {
		return
	}
	c.log.WithField("generation", gen).Info("messaging session authenticated")
}

func (c *Controller) onAuthRejected(gen int64, reason string) {
	if !c.live(gen, "auth-rejected") {
		return
	}
	c.log.WithError(ErrAuthRejected).WithFields(log.Fields{
		"generation": gen,
		"reason":     reason,
	}).Error("authentication rejected, re-pairing required")
	c.release()
	c.persist(gen, model.StatusFailed, nil)
	c.settle()
}

func (c *Controller) onDisconnected(gen int64, reason string) {
	if c.deliberate || !c.live(gen, "disconnected") {
		return
	}
	c.log.WithFields(log.Fields{
		"generation": gen,
		"reason":     reason,
	}).Warn("messaging session disconnected unexpectedly")
	c.release()
	c.persist(gen, model.StatusDisconnected, nil)
	c.settle()
	c.hooks.lost(c.tenantID, gen)
}

func (c *Controller) onDeadline(gen int64) {
	if !c.live(gen, "pairing-deadline") || c.status == model.StatusConnected {
		return
	}
	neverReachedPeer := c.status == model.StatusInitializing
	c.log.WithError(ErrPairingTimeout).WithFields(log.Fields{
		"generation": gen,
		"status":     c.status,
	}).Warn("pairing deadline elapsed, tearing down connection")
	c.release()
	c.persist(gen, model.StatusDisconnected, nil)
	c.settle()
	// A recovery attempt that never reached the peer is retried; one that asked for a
	// fresh scan needs an operator.
	if c.recovering && neverReachedPeer {
		c.hooks.lost(c.tenantID, gen)
	}
}

// persist writes a status transition. Failures are logged and absorbed; the in-memory
// status still advances so the state machine keeps running.
func (c *Controller) persist(gen int64, status model.SessionStatus, payload *string) {
	c.status = status
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	applied, err := c.store.Upsert(ctx, c.tenantID, status, payload, gen)
	if err != nil {
		metrics.StoreWriteFailures.Inc()
		c.log.WithError(errors.Wrap(ErrStoreWrite, err.Error())).WithFields(log.Fields{
			"generation": gen,
			"status":     status,
		}).Error("failed to persist session status")
		return
	}
	if !applied {
		c.log.WithFields(log.Fields{
			"generation": gen,
			"status":     status,
		}).Debug("store discarded write from older generation")
		return
	}
	metrics.SessionTransitions.WithLabelValues(string(status)).Inc()
	metrics.SetSessionStatus(c.tenantID, string(status))
}
