package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CollotsSpot/Massiv/internal/ensemble"
	"github.com/CollotsSpot/Massiv/internal/state"
)

// Server commands used by the lifecycle.
const (
	cmdPlayersAll  = "players/all"
	cmdRegister    = "builtin_player/register"
	cmdSaveConfig  = "config/players/save"
	cmdUpdateState = "builtin_player/update_state"
)

const (
	defaultAttempts          = 3
	defaultBackoff           = 500 * time.Millisecond
	defaultVerifyDelay       = 500 * time.Millisecond
	defaultHeartbeatInterval = time.Second

	// heartbeatCallTimeout bounds each heartbeat call so a stalled
	// request cannot back the ticker up behind the default 30s request
	// timeout.
	heartbeatCallTimeout = 5 * time.Second
)

// Lifecycle errors.
var (
	// ErrRegistrationFailed is returned after the retry budget for a
	// registration pass is exhausted.
	ErrRegistrationFailed = errors.New("player registration failed")

	// ErrVerificationFailed marks a post-registration check that found
	// the entry absent or still unavailable.
	ErrVerificationFailed = errors.New("registration verification failed")
)

// Caller issues correlated request/response exchanges against the
// server. *ensemble.Client satisfies this interface.
type Caller interface {
	Call(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)
}

// LifecycleState is the registration state machine's current position.
type LifecycleState int

const (
	LifecycleUnregistered LifecycleState = iota
	LifecycleCheckingExistence
	LifecycleRegistering
	LifecycleVerifying
	LifecycleActive
	LifecycleFaulted
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleUnregistered:
		return "unregistered"
	case LifecycleCheckingExistence:
		return "checking_existence"
	case LifecycleRegistering:
		return "registering"
	case LifecycleVerifying:
		return "verifying"
	case LifecycleActive:
		return "active"
	case LifecycleFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ControllerConfig holds the parameters for a Controller. Zero values
// select the defaults (3 attempts, 500ms backoff base, 500ms verify
// settle, 1s heartbeat).
type ControllerConfig struct {
	PlayerID          string
	PlayerName        string
	Attempts          int
	Backoff           time.Duration
	VerifyDelay       time.Duration
	HeartbeatInterval time.Duration
}

// Controller ensures exactly one correctly-registered playback endpoint
// exists for this installation, self-healing across reconnects.
//
// Only one CheckingExistence/Registering/Verifying sequence may be in
// flight for a given identity: concurrent triggers attach to the
// in-flight pass through a singleflight group instead of starting a
// second registration.
type Controller struct {
	caller Caller
	source PlaybackSource
	st     *state.State
	logger *slog.Logger

	playerID          string
	playerName        string
	attempts          int
	backoff           time.Duration
	verifyDelay       time.Duration
	heartbeatInterval time.Duration

	sf singleflight.Group

	mu       sync.Mutex
	state    LifecycleState
	onState  func(LifecycleState)
	hbCancel context.CancelFunc

	// hbGen invalidates heartbeat starts from registration passes that
	// raced a connection loss: stopHeartbeat bumps it, and a pass may
	// only start the heartbeat under the generation it began with.
	hbGen int
}

// NewController creates a Controller. st may be nil when registration
// save acknowledgements need not be persisted (tests).
func NewController(caller Caller, source PlaybackSource, st *state.State, cfg ControllerConfig, logger *slog.Logger) *Controller {
	c := &Controller{
		caller:            caller,
		source:            source,
		st:                st,
		logger:            logger,
		playerID:          cfg.PlayerID,
		playerName:        cfg.PlayerName,
		attempts:          cfg.Attempts,
		backoff:           cfg.Backoff,
		verifyDelay:       cfg.VerifyDelay,
		heartbeatInterval: cfg.HeartbeatInterval,
		state:             LifecycleUnregistered,
	}

	if c.attempts < 1 {
		c.attempts = defaultAttempts
	}

	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}

	if c.verifyDelay <= 0 {
		c.verifyDelay = defaultVerifyDelay
	}

	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = defaultHeartbeatInterval
	}

	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// OnStateChange installs a read-only observer for lifecycle
// transitions. Set before the controller starts running.
func (c *Controller) OnStateChange(fn func(LifecycleState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Controller) setState(s LifecycleState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}

	c.state = s
	fn := c.onState
	c.mu.Unlock()

	c.logger.Debug("lifecycle state", slog.String("state", s.String()))

	if fn != nil {
		fn(s)
	}
}

// EnsureRegistered runs one registration pass for this identity, or
// attaches to the pass already in flight. Returns once the controller
// is Active or the retry budget is exhausted.
func (c *Controller) EnsureRegistered(ctx context.Context) error {
	_, err, _ := c.sf.Do(c.playerID, func() (any, error) {
		return nil, c.runSequence(ctx)
	})

	return err
}

// runSequence is one CheckingExistence -> Registering -> Verifying ->
// Active pass.
func (c *Controller) runSequence(ctx context.Context) error {
	gen := c.heartbeatGen()

	c.setState(LifecycleCheckingExistence)

	reg, err := c.lookup(ctx)
	if err != nil {
		c.setState(LifecycleFaulted)
		return fmt.Errorf("checking registration: %w", err)
	}

	if reg != nil && reg.Available {
		// Common reconnect path: the entry is live, skip registration.
		c.setState(LifecycleActive)
		c.startHeartbeat(gen)

		return nil
	}

	// Absent, or present but stale: register (or revive). Register
	// errors and verification failures draw from the same attempt
	// budget.
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff << (attempt - 2)

			select {
			case <-ctx.Done():
				c.setState(LifecycleFaulted)
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		c.setState(LifecycleRegistering)

		if err := c.register(ctx); err != nil {
			lastErr = err
			c.logger.Warn("registration attempt failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			continue
		}

		// Registration and persistence are not atomic server-side, so
		// the acknowledged configuration is saved explicitly.
		if err := c.saveConfig(ctx); err != nil {
			lastErr = err
			c.logger.Warn("saving player config failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			continue
		}

		c.setState(LifecycleVerifying)

		if c.verifyDelay > 0 {
			select {
			case <-ctx.Done():
				c.setState(LifecycleFaulted)
				return ctx.Err()
			case <-time.After(c.verifyDelay):
			}
		}

		reg, err := c.lookup(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case reg == nil:
			lastErr = fmt.Errorf("entry absent after registration: %w", ErrVerificationFailed)
		case !reg.Available:
			lastErr = fmt.Errorf("entry still unavailable after registration: %w", ErrVerificationFailed)
		default:
			c.setState(LifecycleActive)
			c.startHeartbeat(gen)

			return nil
		}
	}

	c.setState(LifecycleFaulted)

	return fmt.Errorf("%w after %d attempts: %w", ErrRegistrationFailed, c.attempts, lastErr)
}

// lookup returns this installation's entry from the server's
// registration list, or nil when absent.
func (c *Controller) lookup(ctx context.Context) (*Registration, error) {
	regs, err := fetchRegistrations(ctx, c.caller)
	if err != nil {
		return nil, err
	}

	for i := range regs {
		if regs[i].PlayerID == c.playerID {
			return &regs[i], nil
		}
	}

	return nil, nil
}

func (c *Controller) register(ctx context.Context) error {
	_, err := c.caller.Call(ctx, cmdRegister, map[string]any{
		"player_id": c.playerID,
		"name":      c.playerName,
	})
	if err != nil {
		return fmt.Errorf("registering player: %w", err)
	}

	return nil
}

func (c *Controller) saveConfig(ctx context.Context) error {
	_, err := c.caller.Call(ctx, cmdSaveConfig, map[string]any{
		"player_id": c.playerID,
		"name":      c.playerName,
		"enabled":   true,
	})
	if err != nil {
		return fmt.Errorf("saving player config: %w", err)
	}

	if c.st != nil {
		if err := c.st.SetPlayerConfigSaved(true); err != nil {
			c.logger.Warn("recording config save acknowledgement", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (c *Controller) heartbeatGen() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.hbGen
}

// startHeartbeat launches the fixed-interval liveness report. The
// heartbeat is the server's sole liveness signal: if it stops, the
// server eventually drops the registration on its own. A stale gen
// means the connection was lost since the pass began; the heartbeat
// must not tick against a dead connection, so the start is a no-op.
func (c *Controller) startHeartbeat(gen int) {
	c.mu.Lock()
	if gen != c.hbGen || c.hbCancel != nil {
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.hbCancel = cancel
	c.mu.Unlock()

	go c.heartbeatLoop(ctx)
}

// stopHeartbeat cancels the heartbeat. Called whenever the connection
// leaves Connected so the timer never runs against a dead connection.
func (c *Controller) stopHeartbeat() {
	c.mu.Lock()
	c.hbGen++
	cancel := c.hbCancel
	c.hbCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := c.source.Status()

			tctx, cancel := context.WithTimeout(ctx, heartbeatCallTimeout)
			_, err := c.caller.Call(tctx, cmdUpdateState, map[string]any{
				"player_id": c.playerID,
				"state": map[string]any{
					"playback": string(status.State),
					"elapsed":  status.Elapsed,
					"item_id":  status.ItemID,
				},
			})
			cancel()

			if err != nil {
				c.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run consumes connection state transitions: every Connected transition
// triggers a registration pass (re-attempting from scratch after any
// earlier fault), and every other transition stops the heartbeat.
// Registration failures here are logged, not fatal: the next reconnect
// retries.
func (c *Controller) Run(ctx context.Context, states <-chan ensemble.SessionState) error {
	defer c.stopHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case st, ok := <-states:
			if !ok {
				return nil
			}

			if st == ensemble.StateConnected {
				go func() {
					if err := c.EnsureRegistered(ctx); err != nil {
						c.logger.Warn("registration failed, retrying on next reconnect",
							slog.String("error", err.Error()),
						)
					}
				}()

				continue
			}

			c.stopHeartbeat()
			c.setState(LifecycleUnregistered)
		}
	}
}
