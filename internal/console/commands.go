package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/security"
)

// Snapshot is everything the status surface shows, read in one pass.
type Snapshot struct {
	Metrics        model.Metrics
	Safety         model.SafetyState
	Settings       model.Settings
	RetryPending   bool
	JournalDropped int64
}

// SettingsUpdate carries the fields an operator wants to change. Nil
// fields are left as they are.
type SettingsUpdate struct {
	BridgeURL        *string
	MaxFilesPerBatch *int
	AutoReconnect    *bool
	SoundEnabled     *bool
	Theme            *model.Theme
}

func (c *Console) Metrics(ctx context.Context) (model.Metrics, error) {
	var m model.Metrics
	err := c.do(ctx, func() { m = c.metrics() })
	return m, err
}

func (c *Console) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() {
		s = Snapshot{
			Metrics:      c.metrics(),
			Safety:       c.interlock.State(),
			Settings:     c.settings,
			RetryPending: c.session.RetryPending(),
		}
	})
	s.JournalDropped = c.journalDropped.Load()
	return s, err
}

func (c *Console) Settings(ctx context.Context) (model.Settings, error) {
	var s model.Settings
	err := c.do(ctx, func() { s = c.settings })
	return s, err
}

func (c *Console) metrics() model.Metrics {
	safety := c.interlock.State()
	return model.Metrics{
		TotalClicks:              c.totalClicks,
		Uptime:                   c.clock.Now().Sub(c.started),
		FilesChangedCurrentBatch: safety.CurrentBatchChangeCount,
		BridgeStatus:             c.session.State(),
		SafetyLockActive:         safety.Locked,
		Scanning:                 c.running,
		BridgeEndpoint:           security.RedactEndpoint(c.session.Endpoint()),
		LastLatency:              c.session.Latency(),
		TickCount:                c.tickCount,
	}
}

// UpdateSettings validates and persists the update, then applies it:
// the threshold takes effect on the next tick, and a changed bridge URL
// reconnects a session that is connected or retrying.
func (c *Console) UpdateSettings(ctx context.Context, u SettingsUpdate) (model.Settings, error) {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()

	current, err := c.Settings(ctx)
	if err != nil {
		return model.Settings{}, err
	}
	next := u.applyTo(current)
	if err := validateSettings(next); err != nil {
		return model.Settings{}, err
	}
	next.UpdatedAt = c.clock.Now()
	if c.opts.Store != nil {
		saved, err := c.opts.Store.UpsertSettings(ctx, next)
		if err != nil {
			return model.Settings{}, fmt.Errorf("persist settings: %w", err)
		}
		next = saved
	}
	if err := c.do(ctx, func() { c.applySettings(next) }); err != nil {
		return model.Settings{}, err
	}
	return next, nil
}

func (c *Console) applySettings(next model.Settings) {
	prev := c.settings
	c.settings = next
	if err := c.interlock.SetThreshold(next.MaxFilesPerBatch); err != nil {
		c.logger.Error("apply threshold", "error", err)
	}
	c.session.SetAutoReconnect(next.AutoReconnect)

	var changes []string
	if prev.MaxFilesPerBatch != next.MaxFilesPerBatch {
		changes = append(changes, fmt.Sprintf("max files per batch %d", next.MaxFilesPerBatch))
	}
	if prev.AutoReconnect != next.AutoReconnect {
		changes = append(changes, fmt.Sprintf("auto reconnect %t", next.AutoReconnect))
	}
	if prev.BridgeURL != next.BridgeURL {
		changes = append(changes, "bridge url "+security.RedactEndpoint(next.BridgeURL))
	}
	if len(changes) > 0 {
		c.log.Append(model.LogInfo, "settings updated: "+strings.Join(changes, ", ")+".")
	}
	if prev.BridgeURL != next.BridgeURL && (c.session.State() != model.BridgeDisconnected || c.session.RetryPending()) {
		c.session.Connect(next.BridgeURL)
	}
}

// ConnectBridge starts a handshake with endpoint, or with the configured
// bridge URL when endpoint is empty. It returns once the attempt has
// begun; the outcome lands in the log and metrics.
func (c *Console) ConnectBridge(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	return c.do(ctx, func() {
		target := endpoint
		if target == "" {
			target = c.settings.BridgeURL
		}
		c.session.Connect(target)
	})
}

func (c *Console) DisconnectBridge(ctx context.Context) error {
	return c.do(ctx, func() { c.session.Disconnect() })
}

func (u SettingsUpdate) applyTo(s model.Settings) model.Settings {
	if u.BridgeURL != nil {
		s.BridgeURL = strings.TrimSpace(*u.BridgeURL)
	}
	if u.MaxFilesPerBatch != nil {
		s.MaxFilesPerBatch = *u.MaxFilesPerBatch
	}
	if u.AutoReconnect != nil {
		s.AutoReconnect = *u.AutoReconnect
	}
	if u.SoundEnabled != nil {
		s.SoundEnabled = *u.SoundEnabled
	}
	if u.Theme != nil {
		s.Theme = *u.Theme
	}
	return s
}

func validateSettings(s model.Settings) error {
	if strings.TrimSpace(s.BridgeURL) == "" {
		return fmt.Errorf("%w: bridge url is required", ErrInvalidSettings)
	}
	if s.MaxFilesPerBatch < 1 || s.MaxFilesPerBatch > model.MaxFilesPerBatchLimit {
		return fmt.Errorf("%w: max files per batch must be between 1 and %d", ErrInvalidSettings, model.MaxFilesPerBatchLimit)
	}
	switch s.Theme {
	case model.ThemeDark, model.ThemeSystem:
	default:
		return fmt.Errorf("%w: unknown theme %q", ErrInvalidSettings, s.Theme)
	}
	return nil
}
