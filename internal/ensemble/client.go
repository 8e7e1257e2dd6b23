// Package ensemble implements the client side of the music server's
// websocket API: a reconnecting transport session, a request/response
// broker correlating concurrent exchanges by message_id, and an event
// dispatcher for server-pushed messages.
package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// errSessionStopped signals a deliberate Disconnect through the
// errgroup so the demux loop is cancelled without surfacing an error.
var errSessionStopped = errors.New("session stopped")

// ClientConfig holds the parameters for a Client.
type ClientConfig struct {
	// URL is the normalized websocket URL of the server.
	URL string

	// RequestTimeout is the default per-request timeout. Zero selects
	// the 30s default.
	RequestTimeout time.Duration

	// ReconnectDelay is the fixed wait between reconnect attempts.
	// Zero selects the 3s default.
	ReconnectDelay time.Duration
}

// Client composes the session, broker, and dispatcher into the single
// connection object the rest of the application depends on. It owns
// the demux loop: frames carrying a message_id go to the broker and
// are consumed there; everything else goes to the dispatcher. It is
// constructed by the composition root and injected, never a global.
type Client struct {
	session    *Session
	broker     *Broker
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewClient wires a Client for the given config. No connection is made
// until Connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	c := &Client{
		dispatcher: NewDispatcher(logger),
		logger:     logger,
	}

	c.session = NewSession(SessionConfig{
		URL:            cfg.URL,
		ReconnectDelay: cfg.ReconnectDelay,
		OnDown: func(error) {
			// Outstanding requests must fail immediately when the
			// connection drops; a late response would never arrive.
			c.broker.FailAll(ErrConnectionClosed)
		},
	}, logger)
	c.broker = NewBroker(c.session, cfg.RequestTimeout, logger)

	return c
}

// Connect establishes the connection; see Session.Connect.
func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect tears the connection down and fails all pending requests.
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// Run drives the session supervisor and the demux loop until ctx is
// cancelled or Disconnect is called.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.session.Run(gctx); err != nil {
			return err
		}

		return errSessionStopped
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case data := <-c.session.Inbound():
				if c.broker.Handle(data) {
					continue
				}

				c.dispatcher.Dispatch(data)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errSessionStopped) {
		return nil
	}

	return err
}

// Call issues a command with the default timeout.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	return c.broker.Call(ctx, command, args)
}

// CallTimeout issues a command with an explicit timeout.
func (c *Client) CallTimeout(ctx context.Context, command string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	return c.broker.CallTimeout(ctx, command, args, timeout)
}

// Subscribe registers interest in a server-pushed event kind.
func (c *Client) Subscribe(event string, opts ...SubscribeOption) *Subscription {
	return c.dispatcher.Subscribe(event, opts...)
}

// State returns the current connection state.
func (c *Client) State() SessionState {
	return c.session.State()
}

// StateChanges returns a channel of connection state transitions for
// read-only observers such as the presentation layer.
func (c *Client) StateChanges() <-chan SessionState {
	return c.session.StateChanges()
}

// ServerInfo returns the most recent handshake payload, or nil before
// the first successful connect.
func (c *Client) ServerInfo() *ServerInfo {
	return c.session.ServerInfo()
}
