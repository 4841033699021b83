// internal/manager/tenant_manager.go
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"school-messaging/internal/consumer"
	"school-messaging/internal/dispatch"
	"school-messaging/internal/messaging"
	"school-messaging/internal/model"
)

// ErrUnknownTenant is returned for a tenant without a running outbound pipeline.
var ErrUnknownTenant = errors.New("tenant has no outbound pipeline")

// JobSender performs the quota-gated send of one queued job.
type JobSender interface {
	SendJob(ctx context.Context, job model.OutboundJob) dispatch.Result
}

// Partitioner prepares per-tenant journal storage.
type Partitioner interface {
	EnsurePartition(ctx context.Context, tenantID string) error
}

// TenantManager owns the per-tenant outbound queues and their consumers.
type TenantManager struct {
	rabbitConn *amqp.Connection
	rabbit     *messaging.RabbitClient
	storage    Partitioner
	sender     JobSender
	workers    int
	jobTimeout time.Duration

	mu        sync.RWMutex
	consumers map[string]*consumer.Consumer
}

func NewTenantManager(
	rabbitConn *amqp.Connection,
	rabbit *messaging.RabbitClient,
	storage Partitioner,
	sender JobSender,
	workers int,
	jobTimeout time.Duration,
) *TenantManager {
	return &TenantManager{
		rabbitConn: rabbitConn,
		rabbit:     rabbit,
		storage:    storage,
		sender:     sender,
		workers:    workers,
		jobTimeout: jobTimeout,
		consumers:  make(map[string]*consumer.Consumer),
	}
}

// AddTenant creates a journal partition, the outbound queue, and spawns the consumer
func (tm *TenantManager) AddTenant(ctx context.Context, tenantID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, exists := tm.consumers[tenantID]; exists {
		return nil // already exists
	}

	if err := tm.storage.EnsurePartition(ctx, tenantID); err != nil {
		return err
	}

	if err := tm.rabbit.DeclareQueue(tenantID); err != nil {
		return err
	}

	c, err := consumer.StartConsumer(tm.rabbitConn, tenantID, tm.workers, func(body []byte) error {
		return tm.handleJob(tenantID, body)
	})
	if err != nil {
		return err
	}
	tm.consumers[tenantID] = c

	log.WithField("tenant", tenantID).Info("tenant outbound pipeline started")
	return nil
}

// RemoveTenant stops the consumer, deletes the queue, and removes from map
func (tm *TenantManager) RemoveTenant(tenantID string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	c, exists := tm.consumers[tenantID]
	if !exists {
		return nil // nothing to remove
	}

	c.Stop()

	if err := tm.rabbit.DeleteQueue(tenantID); err != nil {
		log.WithError(err).WithField("tenant", tenantID).Warn("failed to delete outbound queue")
	}

	delete(tm.consumers, tenantID)

	log.WithField("tenant", tenantID).Info("tenant outbound pipeline removed")
	return nil
}

// Shutdown all tenants
func (tm *TenantManager) ShutdownAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, c := range tm.consumers {
		c.Stop()
		log.WithField("tenant", id).Info("stopped tenant consumer")
	}
	tm.consumers = make(map[string]*consumer.Consumer)
}

// Enqueue publishes one job per distinct recipient onto the tenant's outbound queue.
func (tm *TenantManager) Enqueue(ctx context.Context, tenantID string, recipients []string, body string) (uuid.UUID, int, error) {
	if err := tm.AddTenant(ctx, tenantID); err != nil {
		return uuid.Nil, 0, errors.Wrap(err, "preparing outbound pipeline")
	}
	broadcastID := uuid.Must(uuid.NewV7())
	unique := dispatch.DedupeRecipients(recipients)
	for i, to := range unique {
		job := model.OutboundJob{
			ID:          uuid.Must(uuid.NewV7()),
			BroadcastID: broadcastID,
			TenantID:    tenantID,
			Recipient:   to,
			Body:        body,
			QueuedAt:    time.Now().UTC(),
		}
		if err := tm.rabbit.PublishJob(job); err != nil {
			return broadcastID, i, err
		}
	}
	return broadcastID, len(unique), nil
}

// handleJob is the worker callback for one queued send
func (tm *TenantManager) handleJob(tenantID string, body []byte) error {
	var job model.OutboundJob
	if err := json.Unmarshal(body, &job); err != nil {
		return errors.Wrap(err, "decoding outbound job")
	}
	if job.TenantID != tenantID {
		return fmt.Errorf("job for tenant %s delivered on queue of %s", job.TenantID, tenantID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), tm.jobTimeout)
	defer cancel()

	res := tm.sender.SendJob(ctx, job)
	if !res.OK() {
		return fmt.Errorf("send to %s classified %s: %s", job.Recipient, res.Code, res.Detail)
	}
	return nil
}

// ListTenantIDs returns all tenants with a running outbound consumer
func (tm *TenantManager) ListTenantIDs() []string {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	ids := make([]string, 0, len(tm.consumers))
	for id := range tm.consumers {
		ids = append(ids, id)
	}
	return ids
}

func (tm *TenantManager) SetWorkerCount(tenantID string, n int) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	c, ok := tm.consumers[tenantID]
	if !ok {
		return errors.Wrap(ErrUnknownTenant, tenantID)
	}

	c.SetWorkerCount(n)
	return nil
}
