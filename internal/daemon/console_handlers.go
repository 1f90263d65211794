package daemon

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/autoclick/internal/api"
	"github.com/g960059/autoclick/internal/console"
	"github.com/g960059/autoclick/internal/db"
	"github.com/g960059/autoclick/internal/logbuf"
	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/wsbridge"
)

const (
	logSourceLive    = "live"
	logSourceHistory = "history"

	defaultHistoryLimit = 200
	bridgeWaitPoll      = 25 * time.Millisecond
	maxBridgeWait       = 30 * time.Second
)

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	snap, err := s.console.Snapshot(r.Context())
	if err != nil {
		s.writeConsoleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Metrics:       toMetricsResponse(snap.Metrics),
		Safety: api.SafetyResponse{
			ThresholdMaxChanges:     snap.Safety.ThresholdMaxChanges,
			CurrentBatchChangeCount: snap.Safety.CurrentBatchChangeCount,
			Locked:                  snap.Safety.Locked,
		},
		Bridge: api.BridgeResponse{
			State:        string(snap.Metrics.BridgeStatus),
			Endpoint:     snap.Metrics.BridgeEndpoint,
			LatencyMS:    snap.Metrics.LastLatency.Milliseconds(),
			RetryPending: snap.RetryPending,
		},
		Settings:       toSettingsResponse(snap.Settings),
		JournalDropped: snap.JournalDropped,
	})
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	source := strings.TrimSpace(q.Get("source"))
	if source == "" {
		source = logSourceLive
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var entries []model.LogEntry
	switch source {
	case logSourceLive:
		if limit == 0 || limit > logbuf.Capacity {
			limit = logbuf.Capacity
		}
		entries = s.console.Logs(limit)
	case logSourceHistory:
		if s.store == nil {
			s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "log history is unavailable")
			return
		}
		if limit == 0 {
			limit = defaultHistoryLimit
		}
		if limit > db.MaxLogEntries {
			limit = db.MaxLogEntries
		}
		var err error
		entries, err = s.store.ListLogEntries(r.Context(), limit)
		if err != nil {
			s.writeStoreError(w, "log history", err)
			return
		}
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "source must be live or history")
		return
	}

	out := make([]api.LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.LogEntryResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp.UTC(),
			Kind:      string(e.Kind),
			Message:   e.Message,
		})
	}
	s.writeJSON(w, http.StatusOK, api.LogsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Source:        source,
		Entries:       out,
	})
}

// commandHandler serves a bodiless POST that runs one console command
// and answers with the metrics that follow it.
func (s *Server) commandHandler(name string, run func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := run(r.Context()); err != nil {
			s.writeConsoleError(w, err)
			return
		}
		s.writeCommandResult(w, r, name)
	}
}

func (s *Server) writeCommandResult(w http.ResponseWriter, r *http.Request, name string) {
	m, err := s.console.Metrics(r.Context())
	if err != nil {
		s.writeConsoleError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CommandEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Command:       name,
		Metrics:       toMetricsResponse(m),
	})
}

// bridgeConnectHandler begins a handshake. With wait_ms set it holds the
// response until the attempt settles, and reports a failed handshake as
// E_BRIDGE_UNAVAILABLE.
func (s *Server) bridgeConnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.BridgeConnectRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	if endpoint := strings.TrimSpace(req.Endpoint); endpoint != "" {
		if _, err := wsbridge.NormalizeEndpoint(endpoint); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
	}
	if req.WaitMS < 0 {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "wait_ms must be non-negative")
		return
	}
	if err := s.console.ConnectBridge(r.Context(), req.Endpoint); err != nil {
		s.writeConsoleError(w, err)
		return
	}
	if req.WaitMS > 0 {
		wait := time.Duration(req.WaitMS) * time.Millisecond
		if wait > maxBridgeWait {
			wait = maxBridgeWait
		}
		state, err := s.awaitBridge(r.Context(), wait)
		if err != nil {
			s.writeConsoleError(w, err)
			return
		}
		if state == model.BridgeDisconnected {
			s.writeError(w, http.StatusConflict, model.ErrBridgeUnavailable, "bridge handshake failed; see logs for details")
			return
		}
	}
	s.writeCommandResult(w, r, "connect")
}

// awaitBridge polls until the session leaves the connecting state or
// wait elapses, and returns the last state seen.
func (s *Server) awaitBridge(parent context.Context, wait time.Duration) (model.BridgeState, error) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()
	ticker := time.NewTicker(bridgeWaitPoll)
	defer ticker.Stop()
	last := model.BridgeConnecting
	for {
		m, err := s.console.Metrics(ctx)
		if err != nil {
			if parent.Err() == nil && ctx.Err() != nil {
				return last, nil
			}
			return last, err
		}
		last = m.BridgeStatus
		if last != model.BridgeConnecting {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, nil
		case <-ticker.C:
		}
	}
}

func (s *Server) settingsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.console.Settings(r.Context())
		if err != nil {
			s.writeConsoleError(w, err)
			return
		}
		s.writeSettings(w, settings)
	case http.MethodPut:
		var req api.SettingsUpdateRequest
		if !s.decodeBody(w, r, &req, false) {
			return
		}
		update := console.SettingsUpdate{
			BridgeURL:        req.BridgeURL,
			MaxFilesPerBatch: req.MaxFilesPerBatch,
			AutoReconnect:    req.AutoReconnect,
			SoundEnabled:     req.SoundEnabled,
		}
		if req.Theme != nil {
			theme := model.Theme(strings.TrimSpace(*req.Theme))
			update.Theme = &theme
		}
		if req.BridgeURL != nil {
			if _, err := wsbridge.NormalizeEndpoint(*req.BridgeURL); err != nil {
				s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
				return
			}
		}
		settings, err := s.console.UpdateSettings(r.Context(), update)
		if err != nil {
			s.writeConsoleError(w, err)
			return
		}
		s.writeSettings(w, settings)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) writeSettings(w http.ResponseWriter, settings model.Settings) {
	s.writeJSON(w, http.StatusOK, api.SettingsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Settings:      toSettingsResponse(settings),
	})
}

func toMetricsResponse(m model.Metrics) api.MetricsResponse {
	return api.MetricsResponse{
		TotalClicks:              m.TotalClicks,
		UptimeSeconds:            m.Uptime.Seconds(),
		FilesChangedCurrentBatch: m.FilesChangedCurrentBatch,
		BridgeStatus:             string(m.BridgeStatus),
		SafetyLockActive:         m.SafetyLockActive,
		Scanning:                 m.Scanning,
		TickCount:                m.TickCount,
	}
}

func toSettingsResponse(st model.Settings) api.SettingsResponse {
	out := api.SettingsResponse{
		BridgeURL:        st.BridgeURL,
		MaxFilesPerBatch: st.MaxFilesPerBatch,
		AutoReconnect:    st.AutoReconnect,
		SoundEnabled:     st.SoundEnabled,
		Theme:            string(st.Theme),
	}
	if !st.UpdatedAt.IsZero() {
		updated := st.UpdatedAt.UTC()
		out.UpdatedAt = &updated
	}
	return out
}
