package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestRunner(t *testing.T, mux *http.ServeMux) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, srv.Client(), out, errOut)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r, out, errOut
}

const statusBody = `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z",
"metrics":{"total_clicks":1234,"uptime_seconds":180,"files_changed_current_batch":2,"bridge_status":"connected","safety_lock_active":false,"scanning":true,"tick_count":90},
"safety":{"threshold_max_changes":5,"current_batch_change_count":2,"locked":false},
"bridge":{"state":"connected","endpoint":"ws://localhost:8765","latency_ms":4,"retry_pending":false},
"settings":{"bridge_url":"ws://localhost:8765","max_files_per_batch":5,"auto_reconnect":true,"sound_enabled":true,"theme":"dark"},
"journal_dropped":0}`

func TestStatusRendersHumanReadableSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, statusBody)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"status"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"running (90 ticks)", "1,234", "clear (2/5 changes)", "connected ws://localhost:8765 (4ms)", "3 minutes"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"status", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var payload map[string]any
	if err := json.Unmarshal(out.Bytes(), &payload); err != nil {
		t.Fatalf("--json must print JSON: %v\n%s", err, out.String())
	}
	if _, ok := payload["metrics"]; !ok {
		t.Fatalf("expected metrics in JSON output: %s", out.String())
	}
}

func TestStartConflictExitsWithRequestError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scan/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","error":{"code":"E_SAFETY_LOCKED","message":"safety lock active; reset it before starting a scan"}}`)
	})
	r, _, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"start"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_SAFETY_LOCKED") {
		t.Fatalf("expected error code on stderr, got %q", errOut.String())
	}
}

func TestStopPrintsCommandResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scan/stop", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","command":"stop","metrics":{"total_clicks":7,"scanning":false,"bridge_status":"disconnected"}}`)
	})
	r, out, _ := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"stop"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if got := out.String(); got != "stop: ok (scan idle, bridge disconnected, clicks 7)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	r, _, _ := newTestRunner(t, http.NewServeMux())
	cases := [][]string{
		nil,
		{"bogus"},
		{"status", "extra"},
		{"logs", "--limit", "-3"},
		{"logs", "--follow", "--history"},
		{"settings"},
		{"settings", "set"},
		{"target", "add"},
		{"target", "remove"},
		{"pattern", "add", "--active"},
		{"connect", "--wait", "soon"},
		{"--socket"},
	}
	for _, args := range cases {
		if code := r.Run(context.Background(), args); code != 2 {
			t.Fatalf("args %v: expected exit 2, got %d", args, code)
		}
	}
}

func TestSettingsSetSendsChangedFlagsOnly(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/settings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","settings":{"bridge_url":"ws://localhost:8765","max_files_per_batch":8,"auto_reconnect":false,"sound_enabled":true,"theme":"dark","updated_at":"2026-03-01T11:58:00Z"}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{"settings", "set", "--threshold", "8", "--auto-reconnect=false"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if len(body) != 2 || body["max_files_per_batch"] != float64(8) || body["auto_reconnect"] != false {
		t.Fatalf("unexpected request body: %v", body)
	}
	if !strings.Contains(out.String(), "max_files_per_batch") || !strings.Contains(out.String(), "2 minutes ago") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestConnectPassesEndpointAndWait(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridge/connect", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","command":"connect","metrics":{"bridge_status":"connected"}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"connect", "ws://127.0.0.1:9000", "--wait", "2s"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if body["endpoint"] != "ws://127.0.0.1:9000" || body["wait_ms"] != float64(2000) {
		t.Fatalf("unexpected request body: %v", body)
	}
	if !strings.Contains(out.String(), "bridge connected") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestTargetAddDefaultsTriggerToName(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/targets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","targets":[{"id":"t-1","name":"Accept","trigger_text":"Accept","color":"#2563EB","confidence_threshold":0.95,"status":"active","created_at":"2026-03-01T12:00:00Z","updated_at":"2026-03-01T12:00:00Z"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"target", "add", "Accept", "--threshold", "0.95"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if body["name"] != "Accept" || body["trigger_text"] != "Accept" || body["confidence_threshold"] != 0.95 {
		t.Fatalf("unexpected request body: %v", body)
	}
	if _, ok := body["color"]; ok {
		t.Fatalf("unset flags must not be sent: %v", body)
	}
	if got := out.String(); got != "added target Accept (t-1)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestTargetListAndToggle(t *testing.T) {
	var updated map[string]any
	mux := http.NewServeMux()
	target := `{"id":"t-1","name":"Accept","trigger_text":"Accept change","color":"#2563EB","confidence_threshold":0.92,"shortcut":"Cmd+Enter","status":"active","created_at":"2026-03-01T12:00:00Z","updated_at":"2026-03-01T12:00:00Z"}`
	mux.HandleFunc("/v1/targets", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","targets":[`+target+`]}`)
	})
	mux.HandleFunc("/v1/targets/t-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
				t.Errorf("decode body: %v", err)
			}
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","targets":[`+target+`]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"target", "list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"t-1", `"Accept change"`, "92%", "Cmd+Enter"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"target", "toggle", "t-1"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if len(updated) != 1 || updated["status"] != "inactive" {
		t.Fatalf("toggle must send only the flipped status: %v", updated)
	}
	if got := out.String(); got != "target Accept is now inactive\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestPatternAddSendsMembers(t *testing.T) {
	var body map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/patterns", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","patterns":[{"id":"p-1","name":"review","target_ids":["a","b"],"is_active":true,"created_at":"2026-03-01T12:00:00Z","updated_at":"2026-03-01T12:00:00Z"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"pattern", "add", "review", "--targets", "a,b", "--active"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	ids, _ := body["target_ids"].([]any)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" || body["is_active"] != true {
		t.Fatalf("unexpected request body: %v", body)
	}
	if got := out.String(); got != "added pattern review (p-1)\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestLogsPrintsEntriesInOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("source") != "history" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-03-01T12:00:00Z","source":"history","entries":[
{"id":"1","timestamp":"2026-03-01T11:00:00Z","kind":"info","message":"visual scan sequence started."},
{"id":"2","timestamp":"2026-03-01T11:00:02Z","kind":"error","message":"SAFETY LOCK TRIPPED"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"logs", "--history", "-n", "2"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "visual scan sequence started.") || !strings.Contains(lines[1], "SAFETY LOCK TRIPPED") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestDoctorReportsChecks(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "autoclick.yaml")
	body := "socket_path: " + filepath.Join(dir, "missing.sock") + "\ndb_path: " + filepath.Join(dir, "state.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	r, out, errOut := newTestRunner(t, http.NewServeMux())

	if code := r.Run(context.Background(), []string{"doctor", "--config", cfgPath}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	for _, want := range []string{"warn", "daemon is not running", "bridge_url", "ws://localhost:8765"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in output:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := os.WriteFile(cfgPath, []byte("max_files_per_batch: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if code := r.Run(context.Background(), []string{"doctor", "--config", cfgPath, "--json"}); code != 1 {
		t.Fatalf("expected exit 1 for an invalid config, got %d", code)
	}
	var res struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil || res.OK {
		t.Fatalf("expected ok=false JSON, got %s (err=%v)", out.String(), err)
	}
}
