package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/autoclick/internal/api"
	"github.com/g960059/autoclick/internal/appclient"
	"github.com/g960059/autoclick/internal/bridge"
	"github.com/g960059/autoclick/internal/config"
	"github.com/g960059/autoclick/internal/console"
	"github.com/g960059/autoclick/internal/db"
	"github.com/g960059/autoclick/internal/detect"
	"github.com/g960059/autoclick/internal/model"
	"github.com/g960059/autoclick/internal/testutil"
)

func TestHealthEndpointOverUDS(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "autoclickd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv := NewServer(cfg, nil, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	waitForSocket(t, socketPath, errCh)

	health, err := appclient.New(socketPath).Health(ctx)
	if err != nil {
		t.Fatalf("health over uds: %v", err)
	}
	if health.SchemaVersion != api.SchemaVersion || health.Status != "ok" || health.Uptime < 0 {
		t.Fatalf("unexpected health: %+v", health)
	}
	st, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("expected socket mode 0600, got %v", st.Mode().Perm())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("server error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server shutdown")
	}
	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}

func TestStartFailsWhenSocketPathIsRegularFile(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "autoclickd.sock")
	if err := os.WriteFile(socketPath, []byte("not-a-socket"), 0o600); err != nil {
		t.Fatalf("write regular file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath
	srv := NewServer(cfg, nil, nil, discardLogger())

	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected start to fail for non-socket file")
	}
	if err := os.Remove(socketPath); err != nil {
		t.Fatalf("regular file should remain for caller cleanup, got remove error: %v", err)
	}
}

func TestSingleInstanceLock(t *testing.T) {
	tmp := t.TempDir()
	socketPath := filepath.Join(tmp, "autoclickd.sock")
	cfg := config.DefaultConfig()
	cfg.SocketPath = socketPath

	srv1 := NewServer(cfg, nil, nil, discardLogger())
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	errCh1 := make(chan error, 1)
	go func() {
		errCh1 <- srv1.Start(ctx1)
	}()
	waitForSocket(t, socketPath, errCh1)

	srv2 := NewServer(cfg, nil, nil, discardLogger())
	err := srv2.Start(context.Background())
	if err == nil {
		t.Fatalf("expected second server start to fail while first lock is held")
	}
	if !errors.Is(err, errAlreadyRunning) {
		t.Fatalf("expected lock contention error, got: %v", err)
	}

	cancel1()
	select {
	case err := <-errCh1:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("server1 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server1 shutdown")
	}

	srv3 := NewServer(cfg, nil, nil, discardLogger())
	ctx3, cancel3 := context.WithCancel(context.Background())
	defer cancel3()
	errCh3 := make(chan error, 1)
	go func() {
		errCh3 <- srv3.Start(ctx3)
	}()
	waitForSocket(t, socketPath, errCh3)
	cancel3()
	select {
	case err := <-errCh3:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("server3 shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server3 shutdown")
	}
}

type stubConn struct {
	done chan struct{}
}

func (c *stubConn) Dispatch(context.Context, bridge.Action) error { return nil }
func (c *stubConn) Frame(context.Context) (bridge.Frame, error)    { return bridge.Frame{}, nil }
func (c *stubConn) Latency() time.Duration                         { return 3 * time.Millisecond }
func (c *stubConn) Done() <-chan struct{}                          { return c.done }
func (c *stubConn) Err() error                                     { return nil }
func (c *stubConn) Close() error                                   { return nil }

func acceptingDialer() bridge.Dialer {
	return bridge.DialerFunc(func(context.Context, string) (bridge.Conn, error) {
		return &stubConn{done: make(chan struct{})}, nil
	})
}

func refusingDialer() bridge.Dialer {
	return bridge.DialerFunc(func(context.Context, string) (bridge.Conn, error) {
		return nil, errors.New("connection refused")
	})
}

func quietDetector() detect.Detector {
	return detect.DetectorFunc(func(context.Context) (model.Sample, error) {
		return model.Sample{}, nil
	})
}

type apiFixture struct {
	srv     *Server
	handler http.Handler
	store   *db.Store
	console *console.Console
}

func newAPITestServer(t *testing.T, dialer bridge.Dialer, detector detect.Detector) apiFixture {
	t.Helper()
	store, _ := testutil.NewStore(t)
	c, err := console.New(dialer, console.Options{
		Logger:           discardLogger(),
		Settings:         model.DefaultSettings(),
		ScanInterval:     20 * time.Millisecond,
		HandshakeTimeout: time.Second,
		ReconnectDelay:   time.Hour,
		Detector:         detector,
		Store:            store,
		Journal:          store,
	})
	if err != nil {
		t.Fatalf("new console: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "autoclickd.sock")
	srv := NewServer(cfg, c, store, discardLogger())
	return apiFixture{srv: srv, handler: srv.Handler(), store: store, console: c}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func doJSONRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v body=%q", err, rec.Body.String())
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	resp := decodeJSON[api.ErrorResponse](t, rec)
	if resp.Error.Code != code {
		t.Fatalf("expected error code %s, got %+v", code, resp.Error)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMethodNotAllowedReturnsStructuredErrorEnvelope(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())

	rec := doJSONRequest(t, f.handler, http.MethodGet, "/v1/scan/start", nil)
	expectError(t, rec, http.StatusMethodNotAllowed, model.ErrRefInvalid)
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Fatalf("expected Allow: POST, got %q", got)
	}

	rec = doJSONRequest(t, f.handler, http.MethodPatch, "/v1/settings", nil)
	expectError(t, rec, http.StatusMethodNotAllowed, model.ErrRefInvalid)
	if got := rec.Header().Get("Allow"); got != "GET, PUT" {
		t.Fatalf("unexpected Allow header %q", got)
	}
}

func TestScanCommandsContract(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())

	rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	started := decodeJSON[api.CommandEnvelope](t, rec)
	if started.Command != "start" || !started.Metrics.Scanning {
		t.Fatalf("unexpected start payload: %+v", started)
	}

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/start", nil)
	expectError(t, rec, http.StatusConflict, model.ErrAlreadyRunning)

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if stopped := decodeJSON[api.CommandEnvelope](t, rec); stopped.Metrics.Scanning {
		t.Fatalf("expected scanning false after stop: %+v", stopped)
	}

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/stop", nil)
	expectError(t, rec, http.StatusConflict, model.ErrNotRunning)
}

func TestSafetyLockBlocksStartUntilReset(t *testing.T) {
	breach := detect.DetectorFunc(func(context.Context) (model.Sample, error) {
		return model.Sample{ChangeCount: 50}, nil
	})
	f := newAPITestServer(t, acceptingDialer(), breach)

	if rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}
	waitUntil(t, "safety lock", func() bool {
		m, err := f.console.Metrics(context.Background())
		return err == nil && m.SafetyLockActive && !m.Scanning
	})

	rec := doJSONRequest(t, f.handler, http.MethodGet, "/v1/status", nil)
	status := decodeJSON[api.StatusEnvelope](t, rec)
	if !status.Safety.Locked || status.Safety.CurrentBatchChangeCount != 50 || status.Safety.ThresholdMaxChanges != model.DefaultMaxFilesPerBatch {
		t.Fatalf("unexpected safety status: %+v", status.Safety)
	}

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/start", nil)
	expectError(t, rec, http.StatusConflict, model.ErrSafetyLocked)

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/safety/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", rec.Code)
	}
	if reset := decodeJSON[api.CommandEnvelope](t, rec); reset.Metrics.SafetyLockActive || reset.Metrics.FilesChangedCurrentBatch != 0 {
		t.Fatalf("reset must clear the lock: %+v", reset.Metrics)
	}
}

func TestLogsLiveAndHistory(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())
	if rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/scan/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}

	rec := doJSONRequest(t, f.handler, http.MethodGet, "/v1/logs?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: expected 200, got %d", rec.Code)
	}
	live := decodeJSON[api.LogsEnvelope](t, rec)
	if live.Source != "live" || len(live.Entries) == 0 {
		t.Fatalf("unexpected live logs: %+v", live)
	}
	last := live.Entries[len(live.Entries)-1]
	if last.Kind != string(model.LogInfo) || last.Message != "visual scan sequence started." {
		t.Fatalf("unexpected newest entry: %+v", last)
	}

	waitUntil(t, "journal write", func() bool {
		n, err := f.store.CountRows(context.Background(), "log_entries")
		return err == nil && n >= 1
	})
	rec = doJSONRequest(t, f.handler, http.MethodGet, "/v1/logs?source=history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", rec.Code)
	}
	history := decodeJSON[api.LogsEnvelope](t, rec)
	if history.Source != "history" || history.Entries[0].Message != "visual scan sequence started." {
		t.Fatalf("unexpected history: %+v", history)
	}

	expectError(t, doJSONRequest(t, f.handler, http.MethodGet, "/v1/logs?source=archive", nil), http.StatusBadRequest, model.ErrRefInvalid)
	expectError(t, doJSONRequest(t, f.handler, http.MethodGet, "/v1/logs?limit=-1", nil), http.StatusBadRequest, model.ErrRefInvalid)
}

func TestBridgeConnectWaitReportsOutcome(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())
	rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/bridge/connect", api.BridgeConnectRequest{WaitMS: 2000})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeJSON[api.CommandEnvelope](t, rec); got.Metrics.BridgeStatus != string(model.BridgeConnected) {
		t.Fatalf("expected connected bridge, got %+v", got.Metrics)
	}

	rec = doJSONRequest(t, f.handler, http.MethodGet, "/v1/status", nil)
	status := decodeJSON[api.StatusEnvelope](t, rec)
	if status.Bridge.State != string(model.BridgeConnected) || status.Bridge.LatencyMS != 3 || status.Bridge.Endpoint != model.DefaultBridgeURL {
		t.Fatalf("unexpected bridge status: %+v", status.Bridge)
	}

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/bridge/disconnect", nil)
	if got := decodeJSON[api.CommandEnvelope](t, rec); got.Metrics.BridgeStatus != string(model.BridgeDisconnected) {
		t.Fatalf("expected disconnected bridge, got %+v", got.Metrics)
	}
}

func TestBridgeConnectFailureIsUnavailable(t *testing.T) {
	f := newAPITestServer(t, refusingDialer(), quietDetector())

	rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/bridge/connect", api.BridgeConnectRequest{Endpoint: "localhost:9999", WaitMS: 2000})
	expectError(t, rec, http.StatusConflict, model.ErrBridgeUnavailable)

	rec = doJSONRequest(t, f.handler, http.MethodPost, "/v1/bridge/connect", api.BridgeConnectRequest{Endpoint: "ftp://localhost"})
	expectError(t, rec, http.StatusBadRequest, model.ErrRefInvalid)
}

func TestSettingsGetAndUpdate(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())

	rec := doJSONRequest(t, f.handler, http.MethodGet, "/v1/settings", nil)
	got := decodeJSON[api.SettingsEnvelope](t, rec)
	if got.Settings.MaxFilesPerBatch != model.DefaultMaxFilesPerBatch || got.Settings.Theme != string(model.ThemeDark) {
		t.Fatalf("unexpected default settings: %+v", got.Settings)
	}

	maxFiles, theme := 12, "system"
	rec = doJSONRequest(t, f.handler, http.MethodPut, "/v1/settings", api.SettingsUpdateRequest{MaxFilesPerBatch: &maxFiles, Theme: &theme})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[api.SettingsEnvelope](t, rec)
	if updated.Settings.MaxFilesPerBatch != 12 || updated.Settings.Theme != "system" || updated.Settings.UpdatedAt == nil {
		t.Fatalf("unexpected updated settings: %+v", updated.Settings)
	}
	stored, err := f.store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get stored settings: %v", err)
	}
	if stored.MaxFilesPerBatch != 12 {
		t.Fatalf("settings not persisted: %+v", stored)
	}

	rec = doJSONRequest(t, f.handler, http.MethodGet, "/v1/status", nil)
	if status := decodeJSON[api.StatusEnvelope](t, rec); status.Safety.ThresholdMaxChanges != 12 {
		t.Fatalf("threshold not applied: %+v", status.Safety)
	}

	zero := 0
	expectError(t, doJSONRequest(t, f.handler, http.MethodPut, "/v1/settings", api.SettingsUpdateRequest{MaxFilesPerBatch: &zero}), http.StatusBadRequest, model.ErrRefInvalid)
	expectError(t, doJSONRequest(t, f.handler, http.MethodPut, "/v1/settings", map[string]any{"volume": 3}), http.StatusBadRequest, model.ErrRefInvalid)
}

func TestTargetsCRUDContract(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())
	name, trigger := "Accept", "Accept change"

	rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/targets", api.TargetRequest{Name: &name, TriggerText: &trigger})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[api.TargetsEnvelope](t, rec).Targets[0]
	if created.ID == "" || created.ConfidenceThreshold != db.DefaultConfidenceThreshold || created.Status != "active" {
		t.Fatalf("unexpected created target: %+v", created)
	}

	expectError(t, doJSONRequest(t, f.handler, http.MethodPost, "/v1/targets", api.TargetRequest{Name: &name, TriggerText: &trigger}), http.StatusConflict, model.ErrRefDuplicate)
	expectError(t, doJSONRequest(t, f.handler, http.MethodPost, "/v1/targets", api.TargetRequest{Name: &trigger}), http.StatusBadRequest, model.ErrRefInvalid)

	status := "inactive"
	rec = doJSONRequest(t, f.handler, http.MethodPut, "/v1/targets/"+created.ID, api.TargetRequest{Status: &status})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if updated := decodeJSON[api.TargetsEnvelope](t, rec).Targets[0]; updated.Status != "inactive" || updated.TriggerText != trigger {
		t.Fatalf("partial update must keep other fields: %+v", updated)
	}

	rec = doJSONRequest(t, f.handler, http.MethodGet, "/v1/targets", nil)
	if list := decodeJSON[api.TargetsEnvelope](t, rec); len(list.Targets) != 1 {
		t.Fatalf("expected one target, got %+v", list.Targets)
	}

	rec = doJSONRequest(t, f.handler, http.MethodDelete, "/v1/targets/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	expectError(t, doJSONRequest(t, f.handler, http.MethodGet, "/v1/targets/"+created.ID, nil), http.StatusNotFound, model.ErrRefNotFound)
	expectError(t, doJSONRequest(t, f.handler, http.MethodGet, "/v1/targets/a/b", nil), http.StatusNotFound, model.ErrRefNotFound)
}

func TestPatternsCRUDContract(t *testing.T) {
	f := newAPITestServer(t, acceptingDialer(), quietDetector())
	target := testutil.SeedTarget(t, f.store, context.Background(), "Commit")

	name, active := "review flow", true
	ids := []string{target.ID}
	rec := doJSONRequest(t, f.handler, http.MethodPost, "/v1/patterns", api.PatternRequest{Name: &name, TargetIDs: &ids, IsActive: &active})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[api.PatternsEnvelope](t, rec).Patterns[0]
	if !created.IsActive || len(created.TargetIDs) != 1 || created.TargetIDs[0] != target.ID {
		t.Fatalf("unexpected created pattern: %+v", created)
	}

	unknown := []string{"missing"}
	other := "broken"
	expectError(t, doJSONRequest(t, f.handler, http.MethodPost, "/v1/patterns", api.PatternRequest{Name: &other, TargetIDs: &unknown}), http.StatusBadRequest, model.ErrRefInvalid)

	inactive := false
	rec = doJSONRequest(t, f.handler, http.MethodPut, "/v1/patterns/"+created.ID, api.PatternRequest{IsActive: &inactive})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if updated := decodeJSON[api.PatternsEnvelope](t, rec).Patterns[0]; updated.IsActive || len(updated.TargetIDs) != 1 {
		t.Fatalf("unexpected updated pattern: %+v", updated)
	}

	if rec := doJSONRequest(t, f.handler, http.MethodDelete, "/v1/patterns/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	expectError(t, doJSONRequest(t, f.handler, http.MethodDelete, "/v1/patterns/"+created.ID, nil), http.StatusNotFound, model.ErrRefNotFound)
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || errors.Is(err, context.Canceled) {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "address family not supported")
}
