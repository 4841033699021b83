// Package fakeconn provides an in-memory session.Client whose lifecycle events are
// fired by the test.
package fakeconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"school-messaging/internal/session"
)

// Sent is one message passed to SendMessage.
type Sent struct {
	Address string
	Body    string
}

type Client struct {
	TenantID   string
	Generation int64

	mu        sync.Mutex
	events    session.Events
	state     session.ClientState
	started   bool
	destroyed bool
	sent      []Sent
	sendErr   error
	startErr  error
}

func (c *Client) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	c.state = session.ClientOpening
	return nil
}

func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.state = session.ClientUnknown
	return nil
}

func (c *Client) State(context.Context) (session.ClientState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, nil
}

func (c *Client) SendMessage(_ context.Context, address, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return "", errors.New("client destroyed")
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, Sent{Address: address, Body: body})
	return fmt.Sprintf("msg-%d-%d", c.Generation, len(c.sent)), nil
}

// FailSends makes subsequent SendMessage calls return err.
func (c *Client) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Client) EmitPairing(payload string) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.OnPairingData(payload)
}

func (c *Client) EmitReady() {
	c.mu.Lock()
	c.state = session.ClientConnected
	ev := c.events
	c.mu.Unlock()
	ev.OnReady()
}

func (c *Client) EmitAuthenticated() {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.OnAuthenticated()
}

func (c *Client) EmitAuthRejected(reason string) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.OnAuthRejected(reason)
}

func (c *Client) EmitDisconnected(reason string) {
	c.mu.Lock()
	c.state = session.ClientUnknown
	ev := c.events
	c.mu.Unlock()
	ev.OnDisconnected(reason)
}

// Factory records every Client it creates.
type Factory struct {
	mu       sync.Mutex
	clients  []*Client
	startErr error
	OnCreate func(c *Client)
}

func NewFactory() *Factory {
	return &Factory{}
}

// FailStarts makes clients created from now on fail Start with err.
func (f *Factory) FailStarts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *Factory) Create(tenantID string, generation int64, events session.Events) (session.Client, error) {
	f.mu.Lock()
	c := &Client{
		TenantID:   tenantID,
		Generation: generation,
		events:     events,
		startErr:   f.startErr,
	}
	f.clients = append(f.clients, c)
	hook := f.OnCreate
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return c, nil
}

// Created returns the number of clients created for tenantID.
func (f *Factory) Created(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.clients {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n
}

// Last returns the most recent client for tenantID, or nil.
func (f *Factory) Last(tenantID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.clients) - 1; i >= 0; i-- {
		if f.clients[i].TenantID == tenantID {
			return f.clients[i]
		}
	}
	return nil
}
