// internal/model/session.go
package model

import (
	"errors"
	"time"
)

// SessionStatus is the persisted lifecycle state of a tenant's messaging session.
type SessionStatus string

const (
	StatusDisconnected   SessionStatus = "DISCONNECTED"
	StatusInitializing   SessionStatus = "INITIALIZING"
	StatusWaitingForScan SessionStatus = "WAITING_FOR_SCAN"
	StatusConnected      SessionStatus = "CONNECTED"
	StatusFailed         SessionStatus = "FAILED"
)

var ErrSessionNotFound = errors.New("session not found")

// Settled reports whether an initialize attempt has reached a terminal initial state.
func (s SessionStatus) Settled() bool {
	switch s {
	case StatusConnected, StatusFailed, StatusDisconnected:
		return true
	}
	return false
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusDisconnected, StatusInitializing, StatusWaitingForScan, StatusConnected, StatusFailed:
		return true
	}
	return false
}

// TenantSession is the durable record of one tenant's session. One row per tenant.
type TenantSession struct {
	TenantID         string        `db:"tenant_id" json:"tenant_id"`
	Status           SessionStatus `db:"status" json:"status"`
	PairingPayload   *string       `db:"pairing_payload" json:"pairing_payload"`
	Generation       int64         `db:"generation" json:"generation"`
	LastTransitionAt time.Time     `db:"last_transition_at" json:"last_transition_at"`
}
