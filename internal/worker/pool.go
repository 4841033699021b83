package worker

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"school-messaging/internal/metrics"
)

// Delivery is the part of amqp.Delivery a worker acknowledges.
type Delivery interface {
	Ack(multiple bool) error
	Reject(requeue bool) error
}

// Handler processes one delivery body. A returned error dead-letters the delivery.
type Handler func(body []byte) error

type WorkerPool struct {
	tenantID string
	handler  Handler
	jobs     chan job

	mu    sync.Mutex
	stops []chan struct{}
	wg    sync.WaitGroup
}

type job struct {
	body []byte
	ack  Delivery
}

func NewWorkerPool(tenantID string, workerCount int, handler Handler) *WorkerPool {
	wp := &WorkerPool{
		tenantID: tenantID,
		handler:  handler,
		jobs:     make(chan job),
	}
	wp.SetWorkerCount(workerCount)
	return wp
}

// Submit hands a delivery to the next free worker. It reports false once stop is closed.
func (wp *WorkerPool) Submit(d amqp.Delivery, stop <-chan struct{}) bool {
	return wp.submit(job{body: d.Body, ack: &d}, stop)
}

func (wp *WorkerPool) submit(j job, stop <-chan struct{}) bool {
	select {
	case wp.jobs <- j:
		return true
	case <-stop:
		return false
	}
}

func (wp *WorkerPool) run(stop <-chan struct{}) {
	defer wp.wg.Done()
	metrics.WorkerActive.WithLabelValues(wp.tenantID).Add(1)
	defer metrics.WorkerActive.WithLabelValues(wp.tenantID).Sub(1)

	for {
		select {
		case <-stop:
			return
		case j := <-wp.jobs:
			wp.process(j)
		}
	}
}

func (wp *WorkerPool) process(j job) {
	entry := log.WithField("tenant", wp.tenantID)
	if err := wp.handler(j.body); err != nil {
		entry.WithError(err).Warn("outbound job failed, dead-lettering")
		_ = j.ack.Reject(false) // send to DLQ
		return
	}
	if err := j.ack.Ack(false); err != nil {
		entry.WithError(err).Warn("failed to ack outbound job")
	}
	metrics.WorkerProcessed.WithLabelValues(wp.tenantID).Inc()
}

// Workers returns the current number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.stops)
}

// SetWorkerCount grows or shrinks the pool to n workers
func (wp *WorkerPool) SetWorkerCount(n int) {
	if n <= 0 {
		return
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if cur := len(wp.stops); cur != n {
		log.WithField("tenant", wp.tenantID).Infof("rescaling worker pool: %d -> %d", cur, n)
	}
	for len(wp.stops) < n {
		stop := make(chan struct{})
		wp.stops = append(wp.stops, stop)
		wp.wg.Add(1)
		go wp.run(stop)
	}
	for len(wp.stops) > n {
		last := len(wp.stops) - 1
		close(wp.stops[last])
		wp.stops = wp.stops[:last]
	}
}

// Stop terminates every worker and waits for in-progress jobs.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	for _, stop := range wp.stops {
		close(stop)
	}
	wp.stops = nil
	wp.mu.Unlock()
	wp.wg.Wait()
}
