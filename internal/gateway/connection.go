package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"meshmonitor/go-collector/internal/model"
)

// ConnectError is the class of transient gateway connection failures.
var ConnectError = errs.Class("connect")

var errStreamEnded = errors.New("stream ended")

// State is the lifecycle state of a gateway connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateStopped; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Stream is an open connection to a gateway delivering typed events.
// Events is never closed; Done is closed once the stream is lost or closed.
type Stream interface {
	Events() <-chan model.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens streams to gateway endpoints.
type Dialer interface {
	Dial(ctx context.Context, ep model.Endpoint) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, ep model.Endpoint) (Stream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep model.Endpoint) (Stream, error) {
	return f(ctx, ep)
}

// Transition describes a single state change of a connection.
type Transition struct {
	Endpoint string
	From     State
	To       State
	Attempt  int
	Delay    time.Duration
	Err      error
	At       time.Time
}

// Observer receives every state transition. It is called synchronously from
// the connection goroutine and must not block.
type Observer func(Transition)

// ConnectionStatus is a point-in-time view of a connection.
type ConnectionStatus struct {
	State     State
	Attempt   int
	NextRetry time.Time
	LastError string
	Since     time.Time
}

// Connection supervises the lifecycle of one gateway endpoint: it dials,
// pumps events, and redials with exponential backoff until its context ends.
type Connection struct {
	endpoint model.Endpoint
	dialer   Dialer
	policy   BackoffConfig
	logger   *slog.Logger
	observer Observer

	nowFn  func() time.Time
	waitFn func(context.Context, time.Duration) error

	mu     sync.Mutex
	status ConnectionStatus
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithBackoff sets the reconnect bounds.
func WithBackoff(cfg BackoffConfig) ConnectionOption {
	return func(c *Connection) { c.policy = cfg }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) ConnectionOption {
	return func(c *Connection) { c.observer = o }
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = l }
}

// NewConnection constructs a connection for ep. It does not dial until Run.
func NewConnection(ep model.Endpoint, dialer Dialer, opts ...ConnectionOption) *Connection {
	c := &Connection{
		endpoint: ep,
		dialer:   dialer,
		logger:   slog.Default(),
		nowFn:    time.Now,
		waitFn:   sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = c.policy.withDefaults()
	c.logger = c.logger.With("endpoint", ep.String())
	c.status = ConnectionStatus{State: StateDisconnected, Since: c.nowFn()}
	return c
}

// Endpoint returns the endpoint this connection serves.
func (c *Connection) Endpoint() model.Endpoint {
	return c.endpoint
}

// Status returns the current status.
func (c *Connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run drives the connection until ctx is cancelled, writing events to out in
// stream order. ConnectionEstablished is emitted after every successful dial
// and ConnectionLost after every unexpected loss. Run always ends in
// StateStopped.
func (c *Connection) Run(ctx context.Context, out chan<- model.Event) {
	defer c.transition(StateStopped, 0, 0, nil)

	bo := NewBackOff(c.policy)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		c.transition(StateConnecting, attempt, 0, nil)
		stream, err := c.dialer.Dial(ctx, c.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = ConnectError.Wrap(err)
			c.logger.Warn("gateway connect failed", "attempt", attempt, "error", err)
			c.transition(StateDisconnected, attempt, 0, err)
		} else {
			bo.Reset()
			attempt = 0
			c.transition(StateConnected, 0, 0, nil)
			c.logger.Info("gateway connected")

			lost := c.serve(ctx, stream, out)
			_ = stream.Close()
			if ctx.Err() != nil {
				return
			}

			lost = ConnectError.Wrap(lost)
			c.logger.Warn("gateway connection lost", "error", lost)
			c.transition(StateDisconnected, 0, 0, lost)
			if !c.emit(ctx, out, model.Event{Kind: model.EventConnectionLost, Time: c.nowFn()}) {
				return
			}
		}

		delay := bo.NextBackOff()
		attempt++
		c.transition(StateBackoff, attempt, delay, nil)
		c.logger.Debug("gateway reconnect scheduled", "attempt", attempt, "delay", delay)

		if err := c.waitFn(ctx, delay); err != nil {
			return
		}
	}
}

// serve forwards stream events until the stream ends or ctx is cancelled.
// It returns the loss reason, or nil on cancellation.
func (c *Connection) serve(ctx context.Context, stream Stream, out chan<- model.Event) error {
	if !c.emit(ctx, out, model.Event{Kind: model.EventConnectionEstablished, Time: c.nowFn()}) {
		return nil
	}

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if !c.emit(ctx, out, ev) {
				return nil
			}
		case <-stream.Done():
			// flush what the stream buffered before it went away
			for {
				select {
				case ev := <-events:
					if !c.emit(ctx, out, ev) {
						return nil
					}
				default:
					if err := stream.Err(); err != nil {
						return err
					}
					return errStreamEnded
				}
			}
		}
	}
}

func (c *Connection) emit(ctx context.Context, out chan<- model.Event, ev model.Event) bool {
	ev.Endpoint = c.endpoint.String()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) transition(to State, attempt int, delay time.Duration, err error) {
	now := c.nowFn()

	c.mu.Lock()
	from := c.status.State
	c.status.State = to
	c.status.Attempt = attempt
	c.status.Since = now
	if to == StateBackoff {
		c.status.NextRetry = now.Add(delay)
	} else {
		c.status.NextRetry = time.Time{}
	}
	if err != nil {
		c.status.LastError = err.Error()
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer(Transition{
			Endpoint: c.endpoint.String(),
			From:     from,
			To:       to,
			Attempt:  attempt,
			Delay:    delay,
			Err:      err,
			At:       now,
		})
	}
}
