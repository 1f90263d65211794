package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/autoclick/internal/bridge"
	"github.com/g960059/autoclick/internal/clock"
	"github.com/g960059/autoclick/internal/detect"
	"github.com/g960059/autoclick/internal/logbuf"
	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/safety"
)

var (
	ErrAlreadyRunning  = errors.New("scan already running")
	ErrNotRunning      = errors.New("scan not running")
	ErrSafetyLocked    = errors.New("safety lock active")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrStopped         = errors.New("console stopped")
)

const inboxSize = 64

type SettingsStore interface {
	UpsertSettings(ctx context.Context, s model.Settings) (model.Settings, error)
}

type Journal interface {
	InsertLogEntry(ctx context.Context, e model.LogEntry) error
}

type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	Settings model.Settings

	ScanInterval     time.Duration
	DetectTimeout    time.Duration
	DispatchTimeout  time.Duration
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration

	// StartClearsLock lets StartScan acknowledge an active safety lock
	// instead of refusing to start.
	StartClearsLock bool
	// AutoConnect connects to Settings.BridgeURL when Run starts.
	AutoConnect bool

	// Detector defaults to a Matcher over the bridge session and Targets.
	Detector detect.Detector
	Targets  detect.TargetSource

	Store         SettingsStore
	Journal       Journal
	JournalBuffer int
}

// Console owns the scan loop, safety interlock, bridge session and the
// operator log. All of that state is touched only by the goroutine in
// Run; public methods post closures to it and wait for the reply.
type Console struct {
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
	detector detect.Detector
	started  time.Time

	inbox    chan func()
	quit     chan struct{}
	launched atomic.Bool

	log *logbuf.Buffer

	journalCh      chan model.LogEntry
	journalDropped atomic.Int64

	settingsMu sync.Mutex

	// owned by the Run goroutine
	runCtx           context.Context
	session          *bridge.Session
	interlock        *safety.Interlock
	settings         model.Settings
	running          bool
	epoch            uint64
	ticker           *clock.Ticker
	tickInFlight     bool
	tickCancel       context.CancelFunc
	totalClicks      int64
	tickCount        int64
	unavailableNoted bool
}

func New(dialer bridge.Dialer, opts Options) (*Console, error) {
	if dialer == nil {
		return nil, errors.New("console: dialer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 2 * time.Second
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 2 * time.Second
	}
	if opts.Settings.MaxFilesPerBatch == 0 && opts.Settings.BridgeURL == "" {
		opts.Settings = model.DefaultSettings()
	}
	if err := validateSettings(opts.Settings); err != nil {
		return nil, err
	}
	interlock, err := safety.New(opts.Settings.MaxFilesPerBatch)
	if err != nil {
		return nil, err
	}

	c := &Console{
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "console"),
		started:   opts.Clock.Now(),
		inbox:     make(chan func(), inboxSize),
		quit:      make(chan struct{}),
		log:       logbuf.New(opts.Clock),
		runCtx:    context.Background(),
		interlock: interlock,
		settings:  opts.Settings,
	}
	c.session = bridge.NewSession(dialer, bridge.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReconnectDelay:   opts.ReconnectDelay,
		AutoReconnect:    opts.Settings.AutoReconnect,
		Clock:            opts.Clock,
		Post:             c.post,
		Log:              c.log,
		Logger:           opts.Logger.With("component", "bridge"),
	})

	c.detector = opts.Detector
	if c.detector == nil {
		if opts.Targets == nil {
			return nil, errors.New("console: a detector or a target source is required")
		}
		c.detector = detect.NewMatcher(c.session, opts.Targets)
	}

	if opts.Journal != nil {
		size := opts.JournalBuffer
		if size <= 0 {
			size = 256
		}
		c.journalCh = make(chan model.LogEntry, size)
		c.log.OnAppend(c.enqueueJournal)
	}
	return c, nil
}

// Run drives the console until ctx is cancelled. It must be called once.
func (c *Console) Run(ctx context.Context) error {
	if !c.launched.CompareAndSwap(false, true) {
		return errors.New("console: Run called twice")
	}
	g, gctx := errgroup.WithContext(ctx)
	if c.journalCh != nil {
		g.Go(func() error { return c.runJournal(gctx) })
	}
	g.Go(func() error { return c.loop(gctx) })
	return g.Wait()
}

func (c *Console) loop(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	defer func() {
		c.halt()
		c.session.Close()
		cancel()
		close(c.quit)
	}()

	if c.opts.AutoConnect && c.settings.BridgeURL != "" {
		c.session.Connect(c.settings.BridgeURL)
	}
	for {
		var tickC <-chan time.Time
		if c.ticker != nil {
			tickC = c.ticker.C
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn()
		case <-tickC:
			c.tick()
		}
	}
}

// post hands fn to the Run goroutine. Work posted after Run exits is dropped.
func (c *Console) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.quit:
	}
}

// do runs fn on the Run goroutine and waits for it to finish.
func (c *Console) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrStopped
	}
}

// Logs returns the most recent operator log entries, newest last.
func (c *Console) Logs(limit int) []model.LogEntry {
	return c.log.Recent(limit)
}
