package console

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/g960059/autoclick/internal/bridge"
	"github.com/g960059/autoclick/internal/model"
)

// StartScan moves the scan loop from idle to running. The first tick
// fires one ScanInterval later.
func (c *Console) StartScan(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.startScan() }); doErr != nil {
		return doErr
	}
	return err
}

// StopScan moves the scan loop to idle and abandons any tick in flight.
func (c *Console) StopScan(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.stopScan() }); doErr != nil {
		return doErr
	}
	return err
}

// ResetSafetyLock is the operator acknowledgement of a safety breach.
// It is the only way to clear the lock.
func (c *Console) ResetSafetyLock(ctx context.Context) error {
	return c.do(ctx, func() {
		wasLocked := c.interlock.Locked()
		c.interlock.Reset()
		if wasLocked {
			c.log.Append(model.LogWarning, "safety lock reset by operator.")
		} else {
			c.log.Append(model.LogInfo, "safety batch counter reset by operator.")
		}
	})
}

func (c *Console) startScan() error {
	if c.running {
		return ErrAlreadyRunning
	}
	if c.interlock.Locked() {
		if !c.opts.StartClearsLock {
			c.log.Append(model.LogWarning, "scan not started: safety lock is active. reset the lock first.")
			return ErrSafetyLocked
		}
		c.interlock.Reset()
		c.log.Append(model.LogWarning, "safety lock overridden manually by operator.")
	}
	c.running = true
	c.epoch++
	c.unavailableNoted = false
	c.ticker = c.clock.NewTicker(c.opts.ScanInterval)
	c.log.Append(model.LogInfo, "visual scan sequence started.")
	c.logger.Debug("scan started", "interval", c.opts.ScanInterval)
	return nil
}

func (c *Console) stopScan() error {
	if !c.running {
		return ErrNotRunning
	}
	c.halt()
	c.log.Append(model.LogInfo, "scan sequence stopped.")
	c.logger.Debug("scan stopped")
	return nil
}

// halt leaves Running and invalidates the tick in flight, if any.
func (c *Console) halt() {
	c.running = false
	c.epoch++
	if c.tickCancel != nil {
		c.tickCancel()
		c.tickCancel = nil
	}
	c.tickInFlight = false
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

func (c *Console) tick() {
	if !c.running || c.interlock.Locked() || c.tickInFlight {
		return
	}
	c.tickInFlight = true
	c.tickCount++
	epoch := c.epoch

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.opts.DetectTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.runCtx, c.opts.DetectTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.runCtx)
	}
	c.tickCancel = cancel
	go func() {
		sample, err := c.detector.Sample(ctx)
		c.post(func() { c.completeTick(epoch, sample, err) })
	}()
}

func (c *Console) completeTick(epoch uint64, sample model.Sample, err error) {
	if epoch != c.epoch || !c.running {
		c.logger.Debug("discarding stale tick", "epoch", epoch)
		return
	}
	c.tickInFlight = false
	if c.tickCancel != nil {
		c.tickCancel()
		c.tickCancel = nil
	}
	decided := c.clock.Now()

	if err != nil {
		c.log.Append(model.LogWarning, fmt.Sprintf("detector failed, treating tick as empty: %v", err))
		sample = model.Sample{}
	}

	d := c.interlock.Evaluate(sample.ChangeCount)
	if d.NewlyLocked {
		state := c.interlock.State()
		c.halt()
		c.log.Append(model.LogError, fmt.Sprintf("SAFETY LOCK TRIPPED: %d files changed simultaneously (limit %d). scanning halted.",
			state.CurrentBatchChangeCount, state.ThresholdMaxChanges))
		c.logger.Warn("safety lock tripped", "changes", state.CurrentBatchChangeCount, "threshold", state.ThresholdMaxChanges)
		return
	}
	if !d.Permit || len(sample.Matches) == 0 {
		return
	}
	c.dispatch(decided, sample.Matches[0])
}

func (c *Console) dispatch(decided time.Time, m model.Match) {
	label := m.TargetName
	if label == "" {
		label = m.TargetID
	}
	action := bridge.Action{
		Kind:       bridge.ActionClick,
		TargetID:   m.TargetID,
		X:          m.Position.X,
		Y:          m.Position.Y,
		Confidence: m.Confidence,
	}
	ctx, cancel := context.WithTimeout(c.runCtx, c.opts.DispatchTimeout)
	err := c.session.Dispatch(ctx, action, func(err error) {
		cancel()
		if err != nil {
			c.log.AppendAt(decided, model.LogError, fmt.Sprintf("click on '%s' at (x:%d, y:%d) failed: %v", label, action.X, action.Y, err))
			return
		}
		c.totalClicks++
		c.log.AppendAt(decided, model.LogSuccess, fmt.Sprintf("target '%s' detected (%d%%). clicked at (x:%d, y:%d).",
			label, int(math.Round(m.Confidence*100)), action.X, action.Y))
	})
	if err == nil {
		c.unavailableNoted = false
		return
	}
	cancel()
	if errors.Is(err, bridge.ErrUnavailable) {
		// Detection carries on; note the skipped click once per outage.
		if !c.unavailableNoted {
			c.unavailableNoted = true
			c.log.AppendAt(decided, model.LogWarning, fmt.Sprintf("target '%s' detected but bridge is %s. click skipped.", label, c.session.State()))
		}
		return
	}
	c.log.AppendAt(decided, model.LogError, fmt.Sprintf("click on '%s' failed: %v", label, err))
}
