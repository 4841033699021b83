package session

import (
	"context"
)

// ClientState is the connection library's own view of a live connection.
type ClientState string

const (
	ClientOpening   ClientState = "OPENING"
	ClientConnected ClientState = "CONNECTED"
	ClientUnknown   ClientState = "UNKNOWN"
)

// Events are the lifecycle hooks a Client invokes. Callbacks may be invoked from any
// goroutine and must not block; the controller only enqueues them.
type Events struct {
	OnPairingData   func(payload string)
	OnReady         func()
	OnAuthenticated func()
	OnAuthRejected  func(reason string)
	OnDisconnected  func(reason string)
}

// Client is the capability set required of the underlying chat-network connection.
type Client interface {
	// Start begins connecting in the background and returns once the attempt is underway.
	Start(ctx context.Context) error
	// Destroy releases the connection. Events delivered after Destroy are ignored.
	Destroy(ctx context.Context) error
	State(ctx context.Context) (ClientState, error)
	// SendMessage transmits body to a canonical address and returns the network's message id.
	SendMessage(ctx context.Context, address, body string) (string, error)
}

// Factory creates one Client per tenant generation.
type Factory interface {
	Create(tenantID string, generation int64, events Events) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(tenantID string, generation int64, events Events) (Client, error)

func (f FactoryFunc) Create(tenantID string, generation int64, events Events) (Client, error) {
	return f(tenantID, generation, events)
}
