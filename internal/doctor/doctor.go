// Package doctor inspects a local autoclick installation: config file,
// daemon socket, state database and bridge endpoint.
package doctor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/g960059/autoclick/internal/config"
	"github.com/g960059/autoclick/internal/security"
	"github.com/g960059/autoclick/internal/wsbridge"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Options struct {
	ConfigPath string
	// Probe asks the daemon listening on socketPath for its health. Nil
	// skips the check.
	Probe func(ctx context.Context, socketPath string) error
}

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		switch c.Status {
		case StatusWarn:
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		case StatusFail:
			out.OK = false
		}
	}

	cfg, check := checkConfig(opts.ConfigPath)
	add(check)
	socket := checkSocket(cfg.SocketPath)
	add(socket)
	add(checkStateDB(cfg.DBPath))
	add(checkBridge(cfg))
	if opts.Probe != nil && socket.Status == StatusPass {
		add(checkDaemon(ctx, cfg.SocketPath, opts.Probe))
	}
	return out
}

func checkConfig(path string) (config.Config, Check) {
	path = strings.TrimSpace(path)
	if path == "" {
		return config.DefaultConfig(), Check{Name: "config", Status: StatusPass, Message: "no config file, using defaults"}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.DefaultConfig(), Check{Name: "config", Status: StatusFail, Message: err.Error(), Path: path}
	}
	return cfg, Check{Name: "config", Status: StatusPass, Message: "loaded", Path: path}
}

func checkSocket(path string) Check {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "socket", Status: StatusWarn, Message: "not found, daemon is not running", Path: path}
		}
		return Check{Name: "socket", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return Check{Name: "socket", Status: StatusFail, Message: "path exists but is not a unix socket", Path: path}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return Check{Name: "socket", Status: StatusFail, Message: fmt.Sprintf("permissions %#o allow other users", perm), Path: path}
	}
	return Check{Name: "socket", Status: StatusPass, Message: "present", Path: path}
}

func checkStateDB(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{Name: "state_db", Status: StatusPass, Message: "not created yet", Path: path}
		}
		return Check{Name: "state_db", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.IsDir() {
		return Check{Name: "state_db", Status: StatusFail, Message: "path is a directory", Path: path}
	}
	return Check{Name: "state_db", Status: StatusPass, Message: humanize.Bytes(uint64(info.Size())), Path: path}
}

func checkBridge(cfg config.Config) Check {
	endpoint, err := wsbridge.NormalizeEndpoint(cfg.BridgeURL)
	if err != nil {
		return Check{Name: "bridge_url", Status: StatusFail, Message: err.Error()}
	}
	if !wsbridge.Codec(cfg.BridgeCodec).Valid() {
		return Check{Name: "bridge_url", Status: StatusFail, Message: fmt.Sprintf("unknown codec %q", cfg.BridgeCodec)}
	}
	return Check{Name: "bridge_url", Status: StatusPass, Message: fmt.Sprintf("%s (%s frames)", security.RedactEndpoint(endpoint), cfg.BridgeCodec)}
}

func checkDaemon(ctx context.Context, socketPath string, probe func(context.Context, string) error) Check {
	if err := probe(ctx, socketPath); err != nil {
		return Check{Name: "daemon", Status: StatusFail, Message: fmt.Sprintf("not reachable: %v", err)}
	}
	return Check{Name: "daemon", Status: StatusPass, Message: "healthy"}
}
