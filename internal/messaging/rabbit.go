// internal/messaging/rabbit.go
package messaging

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"school-messaging/internal/metrics"
	"school-messaging/internal/model"
)

// RabbitClient publishes outbound jobs and manages per-tenant queues over one shared
// channel. amqp channels are not safe for concurrent use, hence mu.
type RabbitClient struct {
	URL string

	conn    *amqp.Connection
	mu      sync.Mutex
	channel *amqp.Channel
}

func NewRabbitClient(url string) (*RabbitClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to RabbitMQ")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "opening publish channel")
	}
	return &RabbitClient{URL: url, conn: conn, channel: ch}, nil
}

// GetConnection is used by consumers, which open a channel each.
func (r *RabbitClient) GetConnection() *amqp.Connection {
	return r.conn
}

// QueueName is the per-tenant outbound queue.
func QueueName(tenantID string) string {
	return "tenant_" + tenantID + "_outbound"
}

// DLQName receives outbound jobs whose send failed.
func DLQName(tenantID string) string {
	return QueueName(tenantID) + "_dlq"
}

// DeclareQueue creates the durable outbound queue of tenantID, dead-lettering into its DLQ.
func (r *RabbitClient) DeclareQueue(tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dlq := DLQName(tenantID)
	if _, err := r.channel.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declaring %s", dlq)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}
	if _, err := r.channel.QueueDeclare(QueueName(tenantID), true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "declaring %s", QueueName(tenantID))
	}

	log.WithField("tenant", tenantID).Debug("outbound queues declared")
	return nil
}

// PublishJob queues one outbound send on the job's tenant queue.
func (r *RabbitClient) PublishJob(job model.OutboundJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "encoding outbound job")
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     job.ID.String(),
		CorrelationId: job.BroadcastID.String(),
		Timestamp:     job.QueuedAt,
		Body:          body,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Default exchange: the routing key is the queue name.
	if err := r.channel.Publish("", QueueName(job.TenantID), false, false, msg); err != nil {
		return errors.Wrapf(err, "publishing job %s", job.ID)
	}
	return nil
}

// DeleteQueue removes the tenant's outbound queue. The DLQ is kept for inspection.
func (r *RabbitClient) DeleteQueue(tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.channel.QueueDelete(QueueName(tenantID), false, false, false)
	return errors.Wrapf(err, "deleting %s", QueueName(tenantID))
}

// UpdateQueueDepth refreshes the queue depth gauge of tenantID.
func (r *RabbitClient) UpdateQueueDepth(tenantID string) {
	r.mu.Lock()
	q, err := r.channel.QueueInspect(QueueName(tenantID))
	r.mu.Unlock()
	if err != nil {
		log.WithError(err).WithField("tenant", tenantID).Warn("failed to inspect outbound queue")
		return
	}
	metrics.QueueDepth.WithLabelValues(tenantID).Set(float64(q.Messages))
}

func (r *RabbitClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.channel.Close(); err != nil {
		return errors.Wrap(err, "closing publish channel")
	}
	return errors.Wrap(r.conn.Close(), "closing RabbitMQ connection")
}
