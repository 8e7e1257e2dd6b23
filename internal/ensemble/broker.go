package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// defaultRequestTimeout bounds a call when the broker is constructed
// without an explicit timeout.
const defaultRequestTimeout = 30 * time.Second

// sender is the outbound send primitive the broker multiplexes over.
// *Session satisfies this interface.
type sender interface {
	Send(ctx context.Context, data []byte) error
}

// callResult is the one-shot outcome of a pending request.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one in-flight request awaiting its response.
type pendingRequest struct {
	command  string
	issuedAt time.Time

	// result is buffered with capacity 1 so the resolving side never
	// blocks, even when the caller has already given up.
	result chan callResult
}

// Broker multiplexes concurrent request/response exchanges over one
// session using message_id correlation. Each call gets a fresh uuid,
// a pending-map entry inserted atomically, and a bounded lifetime.
type Broker struct {
	send           sender
	logger         *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewBroker creates a Broker sending over send. A non-positive
// defaultTimeout selects the 30s default.
func NewBroker(send sender, defaultTimeout time.Duration, logger *slog.Logger) *Broker {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultRequestTimeout
	}

	return &Broker{
		send:           send,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pendingRequest),
	}
}

// Call issues a command with the broker's default timeout.
func (b *Broker) Call(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	return b.CallTimeout(ctx, command, args, b.defaultTimeout)
}

// CallTimeout issues a command and waits for its correlated response.
// It resolves with the result payload, a *RemoteError when the server
// answers with an error marker, ErrTimeout when no response arrives in
// time, or ErrNotConnected when the session is down. After a timeout
// the correlation id is forgotten, so a late response is silently
// dropped.
func (b *Broker) CallTimeout(ctx context.Context, command string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	id := uuid.NewString()

	data, err := json.Marshal(Request{MessageID: id, Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", command, err)
	}

	p := &pendingRequest{
		command:  command,
		issuedAt: time.Now(),
		result:   make(chan callResult, 1),
	}

	b.mu.Lock()
	if _, exists := b.pending[id]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("correlation id %s already in flight", id)
	}
	b.pending[id] = p
	b.mu.Unlock()

	if err := b.send.Send(ctx, data); err != nil {
		b.remove(id)
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		if res.err != nil {
			return nil, res.err
		}

		return res.result, nil

	case <-timer.C:
		b.remove(id)
		return nil, fmt.Errorf("%s after %s: %w", command, timeout, ErrTimeout)

	case <-ctx.Done():
		b.remove(id)
		return nil, ctx.Err()
	}
}

// Handle routes one inbound frame. Frames carrying a message_id are
// consumed here, matched or not, and never reach the event dispatcher.
// Returns false for frames without a message_id.
func (b *Broker) Handle(data []byte) bool {
	idField := gjson.GetBytes(data, "message_id")
	if !idField.Exists() {
		return false
	}

	id := idField.String()

	b.mu.Lock()
	p := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()

	if p == nil {
		// Late or unsolicited response; the caller already gave up.
		b.logger.Debug("dropping response with no pending request",
			slog.String("message_id", id),
		)

		return true
	}

	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		p.result <- callResult{err: fmt.Errorf("decoding %s response: %w", p.command, err)}
		return true
	}

	if resp.ErrorCode != "" {
		p.result <- callResult{err: &RemoteError{Code: resp.ErrorCode, Details: resp.Details}}
		return true
	}

	p.result <- callResult{result: resp.Result}

	return true
}

// FailAll fails every outstanding request with err. Called when the
// session faults or disconnects so no caller hangs on a dead
// connection.
func (b *Broker) FailAll(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()

	for id, p := range pending {
		b.logger.Debug("failing pending request",
			slog.String("message_id", id),
			slog.String("command", p.command),
			slog.Duration("age", time.Since(p.issuedAt)),
		)
		p.result <- callResult{err: err}
	}
}

// PendingCount reports outstanding requests. Used by tests and status
// logging.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
