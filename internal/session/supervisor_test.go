package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"school-messaging/internal/session"
)

type retryRecorder struct {
	mu    sync.Mutex
	calls []int64
}

func (r *retryRecorder) retry(_ string, generation int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, generation)
}

func (r *retryRecorder) get() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...)
}

func TestSupervisorFiresOnce(t *testing.T) {
	rec := &retryRecorder{}
	s := session.NewSupervisor(session.ReconnectPolicy{Delay: 10 * time.Millisecond}, rec.retry)
	defer s.Stop()

	delay, ok := s.Schedule("school-1", 4)
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, delay)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []int64{4}, rec.get())
	_, pending := s.Pending("school-1")
	require.False(t, pending)
}

func TestSupervisorKeepsOneTimerPerTenant(t *testing.T) {
	rec := &retryRecorder{}
	s := session.NewSupervisor(session.ReconnectPolicy{Delay: 20 * time.Millisecond}, rec.retry)
	defer s.Stop()

	s.Schedule("school-1", 1)
	s.Schedule("school-1", 2)
	gen, ok := s.Pending("school-1")
	require.True(t, ok)
	require.Equal(t, int64(2), gen)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, []int64{2}, rec.get())
}

func TestSupervisorCancel(t *testing.T) {
	rec := &retryRecorder{}
	s := session.NewSupervisor(session.ReconnectPolicy{Delay: 20 * time.Millisecond}, rec.retry)
	defer s.Stop()

	s.Schedule("school-1", 1)
	require.True(t, s.Cancel("school-1"))
	require.False(t, s.Cancel("school-1"))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, rec.get())
}

func TestSupervisorExponentialIsCapped(t *testing.T) {
	rec := &retryRecorder{}
	policy := session.ReconnectPolicy{Exponential: true, Delay: time.Second, MaxDelay: 4 * time.Second}
	s := session.NewSupervisor(policy, rec.retry)
	defer s.Stop()

	for range 8 {
		delay, ok := s.Schedule("school-1", 1)
		require.True(t, ok)
		require.LessOrEqual(t, delay, policy.MaxDelay+policy.MaxDelay/2)
		require.Positive(t, delay)
	}
	s.Reset("school-1")
	delay, _ := s.Schedule("school-1", 1)
	require.LessOrEqual(t, delay, policy.Delay+policy.Delay/2)
}

func TestSupervisorStop(t *testing.T) {
	rec := &retryRecorder{}
	s := session.NewSupervisor(session.ReconnectPolicy{Delay: 10 * time.Millisecond}, rec.retry)

	s.Schedule("school-1", 1)
	s.Stop()
	_, ok := s.Schedule("school-2", 1)
	require.False(t, ok)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, rec.get())
}
