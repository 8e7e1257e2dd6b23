package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// handshakeTimeout bounds the wait for the server/info frame after
	// the socket opens.
	handshakeTimeout = 10 * time.Second

	// defaultReconnectDelay is the fixed wait between a connection
	// fault and the next automatic connect attempt.
	defaultReconnectDelay = 3 * time.Second

	// readLimit caps inbound frame size. API responses are JSON; large
	// library listings stay well under 4MB.
	readLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer for frames flowing from the reader
	// goroutine to the demux loop.
	inboundChanSize = 64

	// stateChanSize is the buffer for state transition notifications
	// delivered to watchers.
	stateChanSize = 8
)

// SessionState is the connection state machine's current position.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateFaulted
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Conn abstracts the websocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// connectAttempt is the shared handle concurrent Connect callers attach
// to instead of dialing a second time.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// SessionConfig holds the parameters for a Session.
type SessionConfig struct {
	// URL is the normalized websocket URL of the server.
	URL string

	// ReconnectDelay is the fixed wait before each automatic reconnect
	// attempt. Zero means the default of 3s.
	ReconnectDelay time.Duration

	// OnDown is invoked whenever an established connection is lost or
	// deliberately closed, before the state change is observable. The
	// broker hooks this to fail its outstanding requests.
	OnDown func(error)
}

// Session owns one logical connection to the server: the dial/handshake
// sequence, the connection state machine, and the reconnection policy.
//
// Architecture: a reader goroutine per connection feeds inbound with
// raw frames. Run supervises the connection, turning read failures into
// Faulted transitions and scheduling reconnects after a fixed delay
// until Disconnect is called. Connect is idempotent; concurrent callers
// attach to the in-flight attempt.
type Session struct {
	url            string
	logger         *slog.Logger
	reconnectDelay time.Duration
	onDown         func(error)

	// dial is swapped in tests to inject a fake connection.
	dial func(ctx context.Context) (Conn, error)

	mu         sync.Mutex
	state      SessionState
	conn       Conn
	attempt    *connectAttempt
	serverInfo *ServerInfo
	closed     bool
	stopped    chan struct{}

	// connGen invalidates reader goroutines from prior connections so a
	// stale read error cannot fault a fresh connection.
	connGen int

	writeMu sync.Mutex

	inbound chan []byte
	connErr chan error

	watchersMu sync.Mutex
	watchers   []chan SessionState
}

// NewSession creates a Session for the given config. The connection is
// not established until Connect.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	s := &Session{
		url:            cfg.URL,
		logger:         logger,
		reconnectDelay: delay,
		onDown:         cfg.OnDown,
		state:          StateDisconnected,
		stopped:        make(chan struct{}),
		inbound:        make(chan []byte, inboundChanSize),
		connErr:        make(chan error, 1),
	}
	s.dial = s.dialWebsocket

	return s
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ServerInfo returns the handshake payload of the current or most
// recent connection, or nil before the first successful handshake.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverInfo
}

// StateChanges returns a channel receiving every state transition from
// this point on. Slow receivers miss transitions rather than blocking
// the session.
func (s *Session) StateChanges() <-chan SessionState {
	ch := make(chan SessionState, stateChanSize)

	s.watchersMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchersMu.Unlock()

	return ch
}

// Inbound returns the stream of raw frames in arrival order.
func (s *Session) Inbound() <-chan []byte {
	return s.inbound
}

// setStateLocked records a transition and notifies watchers. Callers
// must hold s.mu.
func (s *Session) setStateLocked(state SessionState) {
	if s.state == state {
		return
	}

	s.state = state

	s.watchersMu.Lock()
	watchers := s.watchers
	s.watchersMu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

// Connect establishes the transport and resolves once the server/info
// handshake is observed. Calling Connect while a connection attempt is
// in flight attaches to that attempt's outcome; calling it while
// already connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()

	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}

	if att := s.attempt; att != nil {
		s.mu.Unlock()

		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &connectAttempt{done: make(chan struct{})}
	s.attempt = att

	// Re-arm after a previous Disconnect.
	if s.closed {
		s.closed = false
		s.stopped = make(chan struct{})
	}

	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	err := s.establish(ctx)

	s.mu.Lock()
	att.err = err
	s.attempt = nil
	s.mu.Unlock()
	close(att.done)

	return err
}

// establish dials, performs the handshake, and starts the reader.
func (s *Session) establish(ctx context.Context) error {
	s.logger.Debug("connecting", slog.String("url", s.url))

	conn, err := s.dial(ctx)
	if err != nil {
		err = fmt.Errorf("dialing server: %w", err)
		s.faultAttempt(err)

		return err
	}

	info, err := s.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		s.faultAttempt(err)

		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.serverInfo = info
	s.connGen++
	gen := s.connGen
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	s.logger.Info("connected",
		slog.String("server_id", info.ServerID),
		slog.String("server_version", info.ServerVersion),
	)

	return nil
}

// handshake reads the first frame, which must be the server/info event.
func (s *Session) handshake(ctx context.Context, conn Conn) (*ServerInfo, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := conn.Read(hctx)
	if err != nil {
		return nil, fmt.Errorf("reading handshake: %w", err)
	}

	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected binary frame during handshake")
	}

	if name := gjson.GetBytes(data, "event").String(); name != "server/info" {
		return nil, fmt.Errorf("expected server/info handshake, got %q", name)
	}

	var info ServerInfo
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, "data").Raw), &info); err != nil {
		return nil, fmt.Errorf("decoding server/info: %w", err)
	}

	return &info, nil
}

// faultAttempt marks a failed connect attempt. Faulted rather than
// Disconnected, and the failure is queued for the supervisor so a dial
// or handshake fault schedules the next automatic retry exactly like a
// lost connection does.
func (s *Session) faultAttempt(err error) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.setStateLocked(StateFaulted)
	}
	s.mu.Unlock()

	if closed {
		return
	}

	select {
	case s.connErr <- err:
	default:
	}
}

// readLoop reads frames from one connection and feeds inbound. Exits
// on read error, reporting the loss unless this connection was already
// superseded or deliberately closed.
func (s *Session) readLoop(conn Conn, gen int) {
	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			s.connLost(gen, err)
			return
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		select {
		case s.inbound <- data:
		case <-s.stoppedChan():
			return
		}
	}
}

func (s *Session) stoppedChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// connLost handles a read failure on the connection identified by gen.
func (s *Session) connLost(gen int, err error) {
	s.mu.Lock()
	if gen != s.connGen || s.closed {
		s.mu.Unlock()
		return
	}

	s.conn = nil
	s.setStateLocked(StateFaulted)
	s.mu.Unlock()

	if s.onDown != nil {
		s.onDown(err)
	}

	select {
	case s.connErr <- err:
	default:
	}
}

// Run supervises the connection: every fault is followed by a fixed
// delay and a fresh connect attempt, indefinitely, until Disconnect is
// called or ctx is cancelled. Reconnection never touches the persisted
// device identity.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.Disconnect()
			return ctx.Err()

		case <-s.stoppedChan():
			return nil

		case err := <-s.connErr:
			s.logger.Warn("connection lost, reconnecting",
				slog.String("error", err.Error()),
				slog.Duration("delay", s.reconnectDelay),
			)

			timer := time.NewTimer(s.reconnectDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.Disconnect()

				return ctx.Err()
			case <-s.stoppedChan():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			if err := s.Connect(ctx); err != nil {
				// The failed attempt already queued itself; the next
				// loop iteration waits out the delay and retries.
				s.logger.Warn("reconnect failed", slog.String("error", err.Error()))
				continue
			}

			s.logger.Info("reconnected")
		}
	}
}

// Disconnect forces the Disconnected state, closes the transport, and
// fails all pending work. Run exits; a later Connect re-arms the
// session but needs a new Run.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connGen++
	stopped := s.stopped
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}

	if s.onDown != nil {
		s.onDown(ErrConnectionClosed)
	}

	close(stopped)
}

// Send writes one raw frame. Fails with ErrNotConnected unless the
// session is Connected.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || conn == nil {
		return fmt.Errorf("sending message: %w", ErrNotConnected)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	return nil
}

// dialWebsocket is the production dial function.
func (s *Session) dialWebsocket(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, s.url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}
