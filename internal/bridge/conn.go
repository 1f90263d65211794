package bridge

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable is returned when an operation needs a connected
	// bridge and the session is in any other state.
	ErrUnavailable = errors.New("bridge unavailable")
	// ErrClosed is returned by a Conn whose transport has gone away.
	ErrClosed = errors.New("bridge connection closed")
	// ErrHandshakeTimeout marks a connect attempt that outlived HandshakeTimeout.
	ErrHandshakeTimeout = errors.New("bridge handshake timed out")
)

const ActionClick = "click"

// Action is a synthetic input request for the bridge to perform.
type Action struct {
	Kind       string  `json:"kind" cbor:"kind"`
	TargetID   string  `json:"target_id,omitempty" cbor:"target_id,omitempty"`
	X          int     `json:"x" cbor:"x"`
	Y          int     `json:"y" cbor:"y"`
	Confidence float64 `json:"confidence,omitempty" cbor:"confidence,omitempty"`
}

// Region is a block of recognised text on the monitored screen.
type Region struct {
	Text string `json:"text" cbor:"text"`
	X    int    `json:"x" cbor:"x"`
	Y    int    `json:"y" cbor:"y"`
	W    int    `json:"w" cbor:"w"`
	H    int    `json:"h" cbor:"h"`
}

// Frame is the bridge's view of one capture cycle: how many watched
// files changed since the previous capture and the text it recognised.
type Frame struct {
	ChangeCount int      `json:"change_count" cbor:"change_count"`
	Regions     []Region `json:"regions,omitempty" cbor:"regions,omitempty"`
}

// Conn is an established, handshaken bridge connection.
type Conn interface {
	Dispatch(ctx context.Context, a Action) error
	Frame(ctx context.Context) (Frame, error)
	// Latency is the round trip measured during the handshake.
	Latency() time.Duration
	// Done is closed when the transport goes away for any reason.
	Done() <-chan struct{}
	// Err reports why the transport went away, or nil while it is up.
	Err() error
	Close() error
}

// Dialer opens a connection and completes the handshake. It should
// honour ctx; the session times the attempt out either way.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
