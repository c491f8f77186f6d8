// Package realtime implements the client side of the live update protocol:
// a reconnecting SSE connection and a notification center that derives
// unread state from incoming snapshots.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameReader yields SSE data payloads from an open stream.
type FrameReader interface {
	// Next blocks until the next frame payload or a transport error.
	Next() ([]byte, error)
	Close() error
}

// Dialer opens one stream attempt. Connection owns retry policy; a Dialer
// only ever opens a single transport.
type Dialer interface {
	Dial(ctx context.Context) (FrameReader, error)
}

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
)

// Options configures a Connection.
type Options struct {
	// Enabled gates connecting at all; a disabled connection stays idle.
	Enabled bool
	// Token is the viewer's identity token. Empty means not signed in, and
	// the connection stays idle.
	Token string

	// MaxAttempts is the reconnect ceiling before the terminal failed state.
	// Zero means the default of 5.
	MaxAttempts int
	// BaseDelay is the first retry delay; each further attempt doubles it.
	// Zero means the default of one second.
	BaseDelay time.Duration

	// OnConnected fires when the server acknowledges the subscription.
	OnConnected func()
	// OnData receives every topic frame, keyed by its type discriminator.
	OnData func(frameType string, payload []byte)
	// OnError receives transport failures and in-band error frames. The
	// connection keeps running; terminal failure is visible via State.
	OnError func(error)
}

// Connection maintains a single live stream with exponential reconnect.
// At most one transport is open at any time; a closed connection can never
// be resurrected by a late retry timer.
type Connection struct {
	dialer Dialer
	opts   Options

	mu       sync.Mutex
	state    State
	attempts int
	gen      int
	timer    *time.Timer
	cancel   context.CancelFunc
}

// NewConnection creates a connection in the idle state.
func NewConnection(dialer Dialer, opts Options) *Connection {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	return &Connection{dialer: dialer, opts: opts, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many consecutive reconnects have been scheduled since
// the last successful open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect starts the connection. It is a no-op when disabled, when no token
// is present, or when already running.
func (c *Connection) Connect() {
	if !c.opts.Enabled || c.opts.Token == "" {
		return
	}
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed && c.state != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.attempts = 0
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.connect(ctx, gen)
}

// Disconnect tears the connection down: pending retry timers are cancelled,
// the transport is closed and the state becomes closed. Idempotent.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++ // invalidates in-flight attempts and late timers
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Connection) connect(ctx context.Context, gen int) {
	reader, err := c.dialer.Dial(ctx)
	if err != nil {
		c.emitError(err)
		c.scheduleRetry(ctx, gen)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = reader.Close()
		return
	}
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	c.readLoop(ctx, gen, reader)
}

func (c *Connection) readLoop(ctx context.Context, gen int, reader FrameReader) {
	defer func() { _ = reader.Close() }()

	for {
		payload, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate teardown, not a failure
			}
			c.emitError(fmt.Errorf("stream read: %w", err))
			c.scheduleRetry(ctx, gen)
			return
		}
		c.dispatch(payload)
	}
}

// frameEnvelope is the minimal shape shared by every frame.
type frameEnvelope struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (c *Connection) dispatch(payload []byte) {
	var env frameEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.emitError(fmt.Errorf("malformed frame: %w", err))
		return
	}
	switch env.Type {
	case "connected":
		if c.opts.OnConnected != nil {
			c.opts.OnConnected()
		}
	case "error":
		c.emitError(errors.New(env.Error))
	default:
		if c.opts.OnData != nil {
			c.opts.OnData(env.Type, payload)
		}
	}
}

func (c *Connection) scheduleRetry(ctx context.Context, gen int) {
	c.mu.Lock()
	if c.gen != gen || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.opts.MaxAttempts {
		c.state = StateFailed
		c.mu.Unlock()
		c.emitError(fmt.Errorf("giving up after %d reconnect attempts", c.opts.MaxAttempts))
		return
	}
	delay := retryDelay(c.opts.BaseDelay, c.attempts)
	c.state = StateReconnecting
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.gen != gen || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.connect(ctx, gen)
	})
	c.mu.Unlock()
}

// retryDelay is base * 2^(attempt-1): 1s, 2s, 4s, 8s, 16s for the defaults.
func retryDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

func (c *Connection) emitError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
