// Package bridge implements session.Client over a websocket to a chat-network bridge
// process. The bridge owns the network protocol and credential storage; this side only
// exchanges JSON frames with it, one websocket per tenant generation.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"school-messaging/internal/session"
)

const (
	frameInit          = "init"
	frameState         = "state"
	frameSend          = "send"
	frameDestroy       = "destroy"
	frameReply         = "reply"
	frameQR            = "qr"
	frameReady         = "ready"
	frameAuthenticated = "authenticated"
	frameAuthFailure   = "auth_failure"
	frameDisconnected  = "disconnected"
)

var (
	ErrNotOpen   = errors.New("bridge connection is not open")
	ErrDestroyed = errors.New("bridge client destroyed")
)

type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	DataPath  string `json:"data_path,omitempty"`
	To        string `json:"to,omitempty"`
	Body      string `json:"body,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	State     string `json:"state,omitempty"`
}

type Config struct {
	URL            string
	CredentialsDir string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Header         http.Header
}

// Factory creates bridge clients; it satisfies session.Factory.
type Factory struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewFactory(cfg Config) *Factory {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 20 * time.Second
	}
	return &Factory{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (f *Factory) Create(tenantID string, generation int64, events session.Events) (session.Client, error) {
	if f.cfg.URL == "" {
		return nil, errors.New("bridge url is not configured")
	}
	endpoint, err := url.JoinPath(f.cfg.URL, "sessions", url.PathEscape(tenantID))
	if err != nil {
		return nil, errors.Wrap(err, "building bridge url")
	}
	return &Client{
		tenantID:   tenantID,
		generation: generation,
		endpoint:   endpoint,
		cfg:        f.cfg,
		dialer:     f.dialer,
		events:     events,
		state:      session.ClientUnknown,
		pending:    make(map[string]chan frame),
		done:       make(chan struct{}),
		log: log.WithFields(log.Fields{
			"tenant":     tenantID,
			"generation": generation,
			"component":  "bridge",
		}),
	}, nil
}

type Client struct {
	tenantID   string
	generation int64
	endpoint   string
	cfg        Config
	dialer     *websocket.Dialer
	events     session.Events
	log        *log.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	state     session.ClientState
	pending   map[string]chan frame
	destroyed bool
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex
}

// ClientID is the credential slot the bridge restores for this tenant.
func (c *Client) ClientID() string {
	return "school_" + c.tenantID
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	c.state = session.ClientOpening
	go c.run(ctx)
	return nil
}

func (c *Client) run(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.endpoint, c.cfg.Header)
	cancel()
	if err != nil {
		c.lost(fmt.Sprintf("dial failed: %v", err))
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err = c.write(initCtx, frame{Type: frameInit, ClientID: c.ClientID(), DataPath: c.cfg.CredentialsDir})
	cancel()
	if err != nil {
		c.lost(fmt.Sprintf("init failed: %v", err))
		return
	}
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.lost(fmt.Sprintf("connection lost: %v", err))
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f frame) {
	switch f.Type {
	case frameReply:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	case frameQR:
		c.events.OnPairingData(f.Code)
	case frameReady:
		c.setState(session.ClientConnected)
		c.events.OnReady()
	case frameAuthenticated:
		c.events.OnAuthenticated()
	case frameAuthFailure:
		c.events.OnAuthRejected(f.Reason)
	case frameDisconnected:
		c.setState(session.ClientUnknown)
		c.events.OnDisconnected(f.Reason)
	default:
		c.log.WithField("type", f.Type).Debug("ignoring unknown bridge frame")
	}
}

// lost reports a transport failure as a disconnect unless the client was destroyed.
func (c *Client) lost(reason string) {
	c.shutdown()
	c.mu.Lock()
	destroyed := c.destroyed
	c.state = session.ClientUnknown
	c.conn = nil
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.events.OnDisconnected(reason)
}

func (c *Client) setState(s session.ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// write sends f, bounded by ctx's deadline. A failed write leaves the websocket
// unusable, so the connection is closed and the read loop reports the disconnect.
func (c *Client) write(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteJSON(f); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return frame{}, ErrDestroyed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return frame{}, errors.Wrapf(err, "writing %s request", f.Type)
	}
	select {
	case reply := <-ch:
		if !reply.OK {
			return reply, errors.Errorf("bridge rejected %s: %s", f.Type, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return frame{}, errors.Wrapf(ctx.Err(), "waiting for %s reply", f.Type)
	case <-c.done:
		return frame{}, ErrNotOpen
	}
}

func (c *Client) State(ctx context.Context) (session.ClientState, error) {
	c.mu.Lock()
	local, open := c.state, c.conn != nil
	c.mu.Unlock()
	if !open {
		return local, nil
	}
	reply, err := c.request(ctx, frame{Type: frameState})
	if err != nil {
		return session.ClientUnknown, err
	}
	switch strings.ToUpper(reply.State) {
	case string(session.ClientConnected):
		return session.ClientConnected, nil
	case string(session.ClientOpening):
		return session.ClientOpening, nil
	}
	return session.ClientUnknown, nil
}

func (c *Client) SendMessage(ctx context.Context, address, body string) (string, error) {
	reply, err := c.request(ctx, frame{Type: frameSend, To: address, Body: body})
	if err != nil {
		return "", err
	}
	return reply.MessageID, nil
}

func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.state = session.ClientUnknown
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		err = errors.Wrap(conn.WriteJSON(frame{Type: frameDestroy, ID: uuid.NewString()}), "sending destroy")
		c.writeMu.Unlock()
	}
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
}
