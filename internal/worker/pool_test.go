package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	mu       sync.Mutex
	acked    bool
	rejected bool
	requeue  bool
}

func (d *fakeDelivery) Ack(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Reject(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected, d.requeue = true, requeue
	return nil
}

func (d *fakeDelivery) outcome() (acked, rejected, requeue bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.rejected, d.requeue
}

func TestPoolAcksAndDeadLetters(t *testing.T) {
	wp := NewWorkerPool("school-1", 2, func(body []byte) error {
		if string(body) == "bad" {
			return errors.New("send failed")
		}
		return nil
	})
	defer wp.Stop()
	stop := make(chan struct{})

	good, bad := &fakeDelivery{}, &fakeDelivery{}
	require.True(t, wp.submit(job{body: []byte("good"), ack: good}, stop))
	require.True(t, wp.submit(job{body: []byte("bad"), ack: bad}, stop))

	require.Eventually(t, func() bool {
		a, _, _ := good.outcome()
		_, r, _ := bad.outcome()
		return a && r
	}, time.Second, 5*time.Millisecond)

	_, rejected, _ := good.outcome()
	require.False(t, rejected)
	acked, _, requeue := bad.outcome()
	require.False(t, acked)
	require.False(t, requeue, "failed jobs go to the dead-letter queue")
}

func TestPoolRescales(t *testing.T) {
	var running atomic.Int32
	release := make(chan struct{})
	wp := NewWorkerPool("school-1", 1, func([]byte) error {
		running.Add(1)
		<-release
		return nil
	})
	stop := make(chan struct{})

	wp.SetWorkerCount(3)
	require.Equal(t, 3, wp.Workers())
	for range 3 {
		require.True(t, wp.submit(job{ack: &fakeDelivery{}}, stop))
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)

	wp.SetWorkerCount(1)
	require.Equal(t, 1, wp.Workers())
	wp.SetWorkerCount(0)
	require.Equal(t, 1, wp.Workers())

	wp.Stop()
	require.Zero(t, wp.Workers())
}

func TestSubmitStops(t *testing.T) {
	wp := NewWorkerPool("school-1", 1, func([]byte) error { return nil })
	wp.Stop()
	stop := make(chan struct{})
	close(stop)
	require.False(t, wp.submit(job{ack: &fakeDelivery{}}, stop))
}
