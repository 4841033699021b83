package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"school-messaging/internal/metrics"
)

// ReconnectPolicy selects the delay between recovery attempts. Attempts are unbounded
// in count; only their rate is limited.
type ReconnectPolicy struct {
	Exponential bool
	Delay       time.Duration
	MaxDelay    time.Duration
}

func (p ReconnectPolicy) newBackOff() backoff.BackOff {
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryFunc re-initializes tenantID after a drop observed on generation.
type RetryFunc func(tenantID string, generation int64)

type pendingRetry struct {
	generation int64
	timer      *time.Timer
}

// Supervisor owns every reconnect timer. There is at most one pending retry per tenant,
// and Cancel is the single path that discards it.
type Supervisor struct {
	policy ReconnectPolicy
	retry  RetryFunc

	mu       sync.Mutex
	pending  map[string]*pendingRetry
	backoffs map[string]backoff.BackOff
	stopped  bool
}

func NewSupervisor(policy ReconnectPolicy, retry RetryFunc) *Supervisor {
	return &Supervisor{
		policy:   policy,
		retry:    retry,
		pending:  make(map[string]*pendingRetry),
		backoffs: make(map[string]backoff.BackOff),
	}
}

// Schedule arms a retry for tenantID bound to generation, replacing any pending one.
func (s *Supervisor) Schedule(tenantID string, generation int64) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	if p, ok := s.pending[tenantID]; ok {
		p.timer.Stop()
	}

	b, ok := s.backoffs[tenantID]
	if !ok {
		b = s.policy.newBackOff()
		s.backoffs[tenantID] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = s.policy.MaxDelay
	}

	p := &pendingRetry{generation: generation}
	p.timer = time.AfterFunc(delay, func() { s.fire(tenantID, p) })
	s.pending[tenantID] = p

	metrics.ReconnectsScheduled.Inc()
	log.WithFields(log.Fields{
		"tenant":     tenantID,
		"generation": generation,
		"delay":      delay,
	}).Info("reconnect scheduled")
	return delay, true
}

func (s *Supervisor) fire(tenantID string, p *pendingRetry) {
	s.mu.Lock()
	if s.stopped || s.pending[tenantID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, tenantID)
	s.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	s.retry(tenantID, p.generation)
}

// Cancel drops a pending retry for tenantID. It reports whether one was pending.
func (s *Supervisor) Cancel(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[tenantID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, tenantID)
	return true
}

// Reset forgets the backoff progression after a successful connection.
func (s *Supervisor) Reset(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoffs, tenantID)
}

// Pending returns the generation a retry is armed for.
func (s *Supervisor) Pending(tenantID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[tenantID]
	if !ok {
		return 0, false
	}
	return p.generation, true
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
}
