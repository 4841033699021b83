// internal/consumer/consumer.go
package consumer

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"school-messaging/internal/messaging"
	"school-messaging/internal/worker"
)

// Consumer feeds one tenant's outbound queue into its worker pool.
type Consumer struct {
	TenantID string
	Queue    string
	Pool     *worker.WorkerPool

	channel *amqp.Channel
	tag     string
	log     *log.Entry

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartConsumer opens a dedicated channel for tenantID and starts delivering its
// outbound jobs to a pool of workers running handler.
func StartConsumer(conn *amqp.Connection, tenantID string, workers int, handler worker.Handler) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrapf(err, "opening channel for tenant %s", tenantID)
	}
	// Prefetch matches the worker count.
	if err := ch.Qos(workers, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "setting prefetch for tenant %s", tenantID)
	}

	c := &Consumer{
		TenantID: tenantID,
		Queue:    messaging.QueueName(tenantID),
		channel:  ch,
		tag:      "outbound-" + tenantID,
		log:      log.WithFields(log.Fields{"tenant": tenantID, "component": "consumer"}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	deliveries, err := ch.Consume(c.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(err, "consuming %s", c.Queue)
	}
	c.Pool = worker.NewWorkerPool(tenantID, workers, handler)

	go c.loop(deliveries)
	c.log.WithField("workers", workers).Info("outbound consumer started")
	return c, nil
}

func (c *Consumer) loop(deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.log.Warn("delivery channel closed by broker")
				return
			}
			if d.Redelivered {
				c.log.WithField("job", d.MessageId).Debug("job redelivered after an unacked attempt")
			}
			if !c.Pool.Submit(d, c.stop) {
				// Shutting down: requeue for the next process.
				_ = d.Nack(false, true)
				return
			}
		case <-c.stop:
			if err := c.channel.Cancel(c.tag, false); err != nil {
				c.log.WithError(err).Warn("failed to cancel consumer")
			}
			return
		}
	}
}

// Stop ends consumption, drains in-progress jobs and closes the channel. It is idempotent.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
		c.Pool.Stop()
		_ = c.channel.Close()
		c.log.Info("outbound consumer stopped")
	})
}

// SetWorkerCount resizes the pool and keeps prefetch in step with it.
func (c *Consumer) SetWorkerCount(n int) {
	c.Pool.SetWorkerCount(n)
	if err := c.channel.Qos(n, 0, false); err != nil {
		c.log.WithError(err).Warn("failed to update prefetch")
	}
}
