package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/autoclick/internal/bridge"
)

const (
	opHello    = "hello"
	opDispatch = "dispatch"
	opSample   = "sample"

	closeWriteTimeout = time.Second
)

type request struct {
	ID     uint64         `json:"id" cbor:"id"`
	Op     string         `json:"op" cbor:"op"`
	Client string         `json:"client,omitempty" cbor:"client,omitempty"`
	Action *bridge.Action `json:"action,omitempty" cbor:"action,omitempty"`
}

type reply struct {
	ID    uint64        `json:"id" cbor:"id"`
	OK    bool          `json:"ok" cbor:"ok"`
	Error string        `json:"error,omitempty" cbor:"error,omitempty"`
	Frame *bridge.Frame `json:"frame,omitempty" cbor:"frame,omitempty"`
}

// RemoteError is a request the bridge answered with ok=false.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bridge rejected %s", e.Op)
	}
	return fmt.Sprintf("bridge rejected %s: %s", e.Op, e.Message)
}

type Options struct {
	Codec  Codec
	Client string
	Header http.Header
	Logger *slog.Logger
}

// Dialer opens websocket connections to the input bridge and performs
// the hello handshake.
type Dialer struct {
	opts  Options
	codec frameCodec
	ws    *websocket.Dialer
}

var _ bridge.Dialer = (*Dialer)(nil)

func NewDialer(opts Options) (*Dialer, error) {
	fc, err := codecFor(opts.Codec)
	if err != nil {
		return nil, err
	}
	if opts.Client == "" {
		opts.Client = "autoclickd"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dialer{
		opts:  opts,
		codec: fc,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Dial connects to endpoint. ctx bounds both the websocket upgrade and
// the hello round trip.
func (d *Dialer) Dial(ctx context.Context, endpoint string) (bridge.Conn, error) {
	target, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ws, resp, err := d.ws.DialContext(ctx, target, d.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	c := newConn(ws, d.codec, d.opts.Logger)
	go c.readLoop()

	start := time.Now()
	if _, err := c.roundTrip(ctx, request{Op: opHello, Client: d.opts.Client}); err != nil {
		c.Close() //nolint:errcheck
		return nil, fmt.Errorf("bridge hello: %w", err)
	}
	c.latency = time.Since(start)
	return c, nil
}

// NormalizeEndpoint turns an operator-supplied endpoint into a websocket
// URL. Bare host:port gets ws://, http(s) maps to ws(s).
func NormalizeEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return "", errors.New("bridge endpoint is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid bridge endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported bridge scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("bridge endpoint has no host")
	}
	return u.String(), nil
}

// Conn is a handshaken bridge connection. A single reader goroutine
// routes replies to waiting requests by id.
type Conn struct {
	ws      *websocket.Conn
	codec   frameCodec
	logger  *slog.Logger
	latency time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan reply
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ bridge.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, fc frameCodec, logger *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		codec:   fc,
		logger:  logger,
		pending: map[uint64]chan reply{},
		done:    make(chan struct{}),
	}
}

func (c *Conn) Latency() time.Duration {
	return c.latency
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) Dispatch(ctx context.Context, a bridge.Action) error {
	_, err := c.roundTrip(ctx, request{Op: opDispatch, Action: &a})
	return err
}

func (c *Conn) Frame(ctx context.Context) (bridge.Frame, error) {
	r, err := c.roundTrip(ctx, request{Op: opSample})
	if err != nil {
		return bridge.Frame{}, err
	}
	if r.Frame == nil {
		return bridge.Frame{}, nil
	}
	return *r.Frame, nil
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	c.writeMu.Unlock()
	c.shutdown(bridge.ErrClosed)
	return nil
}

func (c *Conn) roundTrip(ctx context.Context, req request) (reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reply{}, bridge.ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan reply, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	payload, err := c.codec.marshal(req)
	if err != nil {
		c.forget(req.ID)
		return reply{}, fmt.Errorf("encode %s: %w", req.Op, err)
	}

	c.writeMu.Lock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.ws.SetWriteDeadline(deadline)
	err = c.ws.WriteMessage(c.codec.messageType, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		c.shutdown(err)
		return reply{}, fmt.Errorf("%w: %v", bridge.ErrClosed, err)
	}

	select {
	case r := <-ch:
		return checkReply(req.Op, r)
	case <-ctx.Done():
		c.forget(req.ID)
		if cause := context.Cause(ctx); cause != nil {
			return reply{}, cause
		}
		return reply{}, ctx.Err()
	case <-c.done:
		select {
		case r := <-ch:
			return checkReply(req.Op, r)
		default:
		}
		return reply{}, bridge.ErrClosed
	}
}

func checkReply(op string, r reply) (reply, error) {
	if !r.OK {
		return r, &RemoteError{Op: op, Message: r.Error}
	}
	return r, nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var r reply
		if err := c.codec.unmarshal(data, &r); err != nil {
			c.logger.Debug("bridge reply decode failed", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("bridge reply for unknown request", "id", r.ID)
			continue
		}
		ch <- r
	}
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = map[uint64]chan reply{}
		c.mu.Unlock()
		c.closeErr = cause
		_ = c.ws.Close()
		close(c.done)
	})
}
