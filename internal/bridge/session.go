package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/g960059/autoclick/internal/clock"
	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/security"
)

const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultReconnectDelay   = 5 * time.Second
)

// Recorder receives operator-facing events.
type Recorder interface {
	Append(kind model.LogKind, message string) model.LogEntry
}

type Options struct {
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	AutoReconnect    bool
	Clock            clock.Clock
	// Post runs fn on the goroutine that owns the session. Completions of
	// background handshakes, dispatches and drops come back through it.
	Post   func(fn func())
	Log    Recorder
	Logger *slog.Logger
}

// Session is the connection state machine for the input bridge.
//
// Every method except Frame must be called from the owner goroutine.
// I/O never runs there: handshakes and dispatches run in their own
// goroutines and report back through Options.Post.
type Session struct {
	opts   Options
	dialer Dialer

	state      model.BridgeState
	endpoint   string
	generation uint64
	conn       Conn
	latency    time.Duration
	cancelDial context.CancelCauseFunc
	dialTimer  *clock.Timer
	retry      *clock.Timer
	retrySeq   uint64
	closed     bool

	live atomic.Pointer[liveConn]
}

type liveConn struct {
	conn Conn
}

func NewSession(dialer Dialer, opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		dialer: dialer,
		state:  model.BridgeDisconnected,
	}
}

func (s *Session) State() model.BridgeState {
	return s.state
}

func (s *Session) Endpoint() string {
	return s.endpoint
}

func (s *Session) Latency() time.Duration {
	return s.latency
}

// RetryPending reports whether a reconnect attempt is scheduled.
func (s *Session) RetryPending() bool {
	return s.retry != nil
}

func (s *Session) SetAutoReconnect(enabled bool) {
	s.opts.AutoReconnect = enabled
	if !enabled {
		s.cancelRetry()
	}
}

// Connect starts a handshake with endpoint, superseding any connection
// or attempt already in progress.
func (s *Session) Connect(endpoint string) {
	if s.closed {
		return
	}
	s.cancelRetry()
	s.teardown()
	s.endpoint = endpoint
	s.beginConnect()
}

// Disconnect is the operator's explicit disconnect. It never schedules
// a reconnect.
func (s *Session) Disconnect() {
	wasConnected := s.state != model.BridgeDisconnected
	s.cancelRetry()
	s.teardown()
	if wasConnected {
		s.record(model.LogBridge, fmt.Sprintf("disconnected from bridge %s by operator", s.displayEndpoint()))
	}
}

// Close releases the session for shutdown without logging.
func (s *Session) Close() {
	s.cancelRetry()
	s.teardown()
	s.closed = true
}

// Dispatch sends a to the bridge. It fails immediately with
// ErrUnavailable unless the session is connected; otherwise done is
// later called on the owner goroutine with the outcome.
func (s *Session) Dispatch(ctx context.Context, a Action, done func(error)) error {
	if s.state != model.BridgeConnected || s.conn == nil {
		return ErrUnavailable
	}
	conn := s.conn
	gen := s.generation
	go func() {
		err := conn.Dispatch(ctx, a)
		s.opts.Post(func() {
			if done != nil {
				done(err)
			}
			if errors.Is(err, ErrClosed) {
				s.handleDrop(gen)
			}
		})
	}()
	return nil
}

// Frame asks the connected bridge for a capture. Safe from any goroutine.
func (s *Session) Frame(ctx context.Context) (Frame, error) {
	lc := s.live.Load()
	if lc == nil {
		return Frame{}, ErrUnavailable
	}
	return lc.conn.Frame(ctx)
}

func (s *Session) beginConnect() {
	s.generation++
	gen := s.generation
	endpoint := s.endpoint
	s.state = model.BridgeConnecting
	s.record(model.LogInfo, fmt.Sprintf("attempting handshake with local input bridge (%s)...", s.displayEndpoint()))

	ctx, cancel := context.WithCancelCause(context.Background())
	s.cancelDial = cancel
	// The timer settles the attempt itself; a dialer that ignores ctx
	// reports later and is dropped by the generation guard.
	timeout := s.opts.HandshakeTimeout
	s.dialTimer = s.opts.Clock.AfterFunc(timeout, func() {
		s.opts.Post(func() {
			s.finishConnect(gen, nil, timeout, ErrHandshakeTimeout)
		})
		cancel(ErrHandshakeTimeout)
	})
	start := s.opts.Clock.Now()
	go func() {
		conn, err := s.dialer.Dial(ctx, endpoint)
		if err == nil && ctx.Err() != nil {
			conn.Close() //nolint:errcheck
			conn, err = nil, ctx.Err()
		}
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrHandshakeTimeout) {
				err = ErrHandshakeTimeout
			}
		}
		elapsed := s.opts.Clock.Now().Sub(start)
		s.opts.Post(func() {
			s.finishConnect(gen, conn, elapsed, err)
		})
	}()
}

func (s *Session) finishConnect(gen uint64, conn Conn, elapsed time.Duration, err error) {
	if gen != s.generation || s.state != model.BridgeConnecting {
		if conn != nil {
			conn.Close() //nolint:errcheck
		}
		return
	}
	s.stopDial()
	if err != nil {
		s.state = model.BridgeDisconnected
		reason := security.RedactPayload(err.Error())
		s.record(model.LogError, fmt.Sprintf("bridge handshake with %s failed: %s", s.displayEndpoint(), reason))
		s.opts.Logger.Debug("bridge connect failed", "endpoint", s.displayEndpoint(), "error", reason)
		s.scheduleRetry()
		return
	}

	latency := conn.Latency()
	if latency <= 0 {
		latency = elapsed
	}
	s.conn = conn
	s.latency = latency
	s.state = model.BridgeConnected
	s.live.Store(&liveConn{conn: conn})
	s.record(model.LogBridge, fmt.Sprintf("connected to local input bridge at %s. latency: %dms", s.displayEndpoint(), latency.Milliseconds()))

	go func() {
		<-conn.Done()
		s.opts.Post(func() { s.handleDrop(gen) })
	}()
}

func (s *Session) handleDrop(gen uint64) {
	if gen != s.generation || s.state != model.BridgeConnected {
		return
	}
	conn := s.conn
	s.conn = nil
	s.live.Store(nil)
	s.state = model.BridgeDisconnected
	msg := fmt.Sprintf("lost connection to bridge %s", s.displayEndpoint())
	if conn != nil {
		if cause := conn.Err(); cause != nil {
			msg += ": " + security.RedactPayload(cause.Error())
		}
		conn.Close() //nolint:errcheck
	}
	s.record(model.LogError, msg)
	s.scheduleRetry()
}

// scheduleRetry arms the single reconnect timer. Later failures re-arm
// it on the same fixed delay; there is never more than one pending.
func (s *Session) scheduleRetry() {
	if s.closed || !s.opts.AutoReconnect || s.retry != nil || s.endpoint == "" {
		return
	}
	s.retrySeq++
	seq := s.retrySeq
	s.retry = s.opts.Clock.AfterFunc(s.opts.ReconnectDelay, func() {
		s.opts.Post(func() {
			if s.retrySeq != seq || s.retry == nil {
				return
			}
			s.retry = nil
			if s.state == model.BridgeDisconnected && !s.closed {
				s.beginConnect()
			}
		})
	})
	s.opts.Logger.Debug("bridge reconnect scheduled", "endpoint", s.displayEndpoint(), "delay", s.opts.ReconnectDelay)
}

func (s *Session) cancelRetry() {
	if s.retry == nil {
		return
	}
	s.retry.Stop()
	s.retry = nil
	s.retrySeq++
}

// teardown invalidates in-flight work and closes the current connection.
func (s *Session) teardown() {
	s.generation++
	s.stopDial()
	if s.conn != nil {
		s.conn.Close() //nolint:errcheck
		s.conn = nil
	}
	s.live.Store(nil)
	s.state = model.BridgeDisconnected
}

func (s *Session) stopDial() {
	if s.dialTimer != nil {
		s.dialTimer.Stop()
		s.dialTimer = nil
	}
	if s.cancelDial != nil {
		s.cancelDial(context.Canceled)
		s.cancelDial = nil
	}
}

func (s *Session) displayEndpoint() string {
	return security.RedactEndpoint(s.endpoint)
}

func (s *Session) record(kind model.LogKind, message string) {
	if s.opts.Log != nil {
		s.opts.Log.Append(kind, message)
	}
}
