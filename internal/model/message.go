// internal/model/message.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Message is one journaled outbound send and its classified outcome.
type Message struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	BroadcastID *uuid.UUID `db:"broadcast_id" json:"broadcast_id,omitempty"`
	Recipient   string     `db:"recipient" json:"recipient"`
	Body        string     `db:"body" json:"body"`
	Outcome     string     `db:"outcome" json:"outcome"`
	Detail      string     `db:"detail" json:"detail,omitempty"`
	ExternalID  string     `db:"external_id" json:"external_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// OutboundJob is the payload queued per recipient for a queued broadcast.
type OutboundJob struct {
	ID          uuid.UUID `json:"id"`
	BroadcastID uuid.UUID `json:"broadcast_id"`
	TenantID    string    `json:"tenant_id"`
	Recipient   string    `json:"recipient"`
	Body        string    `json:"body"`
	QueuedAt    time.Time `json:"queued_at"`
}
