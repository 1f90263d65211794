package doctor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "autoclick.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func checkNamed(t *testing.T, res Result, name string) Check {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, res.Checks)
	return Check{}
}

func TestRunWarnsWhenDaemonIsNotRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "socket_path: "+filepath.Join(dir, "d.sock")+"\ndb_path: "+filepath.Join(dir, "state.db")+"\n")
	probed := false

	res := Run(context.Background(), Options{ConfigPath: path, Probe: func(context.Context, string) error {
		probed = true
		return nil
	}})
	if !res.OK {
		t.Fatalf("expected ok result, got %+v", res)
	}
	if c := checkNamed(t, res, "socket"); c.Status != StatusWarn {
		t.Fatalf("expected socket warning, got %+v", c)
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "socket:") {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
	if probed {
		t.Fatalf("daemon must not be probed without a socket")
	}
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "bridge_codec: msgpack\n")

	res := Run(context.Background(), Options{ConfigPath: path})
	if res.OK {
		t.Fatalf("expected failure for invalid config")
	}
	if c := checkNamed(t, res, "config"); c.Status != StatusFail || !strings.Contains(c.Message, "bridge_codec") {
		t.Fatalf("unexpected config check %+v", c)
	}
}

func TestRunFailsWhenSocketPathIsNotASocket(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "d.sock")
	if err := os.WriteFile(sock, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	path := writeConfig(t, dir, "socket_path: "+sock+"\ndb_path: "+filepath.Join(dir, "state.db")+"\n")

	res := Run(context.Background(), Options{ConfigPath: path})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if c := checkNamed(t, res, "socket"); c.Status != StatusFail {
		t.Fatalf("unexpected socket check %+v", c)
	}
}

func TestRunProbesLiveDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("", "acdoc")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer ln.Close() //nolint:errcheck
	if err := os.Chmod(sock, 0o600); err != nil {
		t.Fatalf("chmod socket: %v", err)
	}
	path := writeConfig(t, dir, "socket_path: "+sock+"\ndb_path: "+filepath.Join(dir, "state.db")+"\n")

	res := Run(context.Background(), Options{ConfigPath: path, Probe: func(_ context.Context, socketPath string) error {
		if socketPath != sock {
			t.Errorf("probe got socket %q, want %q", socketPath, sock)
		}
		return errors.New("connection refused")
	}})
	if res.OK {
		t.Fatalf("expected failure when the probe fails")
	}
	if c := checkNamed(t, res, "daemon"); c.Status != StatusFail || !strings.Contains(c.Message, "connection refused") {
		t.Fatalf("unexpected daemon check %+v", c)
	}
	if c := checkNamed(t, res, "socket"); c.Status != StatusPass {
		t.Fatalf("unexpected socket check %+v", c)
	}
}
