package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/g960059/autoclick/internal/api"
	"github.com/g960059/autoclick/internal/appclient"
	"github.com/g960059/autoclick/internal/config"
	"github.com/g960059/autoclick/internal/doctor"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type Runner struct {
	client *appclient.Client
	custom bool
	out    io.Writer
	errOut io.Writer
	now    func() time.Time
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), out, errOut)
}

// NewRunnerWithClient targets baseURL instead of the daemon socket. The
// --socket flag is ignored for such runners.
func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.custom = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut, now: time.Now}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	if socketPath != "" && !r.custom {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return exitUsage
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "logs":
		return r.runLogs(ctx, rest[1:])
	case "start":
		return r.runCommand(ctx, "start", rest[1:], r.client.StartScan)
	case "stop":
		return r.runCommand(ctx, "stop", rest[1:], r.client.StopScan)
	case "reset":
		return r.runCommand(ctx, "reset", rest[1:], r.client.ResetSafetyLock)
	case "connect":
		return r.runConnect(ctx, rest[1:])
	case "disconnect":
		return r.runCommand(ctx, "disconnect", rest[1:], r.client.DisconnectBridge)
	case "settings":
		return r.runSettings(ctx, rest[1:])
	case "target":
		return r.runTarget(ctx, rest[1:])
	case "pattern":
		return r.runPattern(ctx, rest[1:])
	case "doctor":
		return r.runDoctor(ctx, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return exitOK
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return exitUsage
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--socket":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--socket="):
			socket = strings.TrimPrefix(args[i], "--socket=")
		default:
			rest = append(rest, args[i])
		}
	}
	return socket, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := newFlagSet("status")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args, 0, "usage: autoclick status [--json]") {
		return exitUsage
	}
	env, err := r.client.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	m := env.Metrics
	scan := "idle"
	if m.Scanning {
		scan = "running"
	}
	lock := "clear"
	if env.Safety.Locked {
		lock = "LOCKED"
	}
	started := r.now().Add(-time.Duration(m.UptimeSeconds * float64(time.Second)))
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "scan\t%s (%s ticks)\n", scan, humanize.Comma(m.TickCount))
	_, _ = fmt.Fprintf(tw, "clicks\t%s\n", humanize.Comma(m.TotalClicks))
	_, _ = fmt.Fprintf(tw, "safety\t%s (%d/%d changes)\n", lock, env.Safety.CurrentBatchChangeCount, env.Safety.ThresholdMaxChanges)
	bridge := env.Bridge.State
	if env.Bridge.Endpoint != "" {
		bridge += " " + env.Bridge.Endpoint
	}
	if env.Bridge.State == "connected" {
		bridge += fmt.Sprintf(" (%dms)", env.Bridge.LatencyMS)
	}
	if env.Bridge.RetryPending {
		bridge += ", retry pending"
	}
	_, _ = fmt.Fprintf(tw, "bridge\t%s\n", bridge)
	_, _ = fmt.Fprintf(tw, "uptime\t%s\n", humanize.RelTime(started, r.now(), "", ""))
	if env.JournalDropped > 0 {
		_, _ = fmt.Fprintf(tw, "journal\t%s entries dropped\n", humanize.Comma(env.JournalDropped))
	}
	_ = tw.Flush()
	return exitOK
}

func (r *Runner) runLogs(ctx context.Context, args []string) int {
	fs := newFlagSet("logs")
	limit := fs.IntP("limit", "n", 0, "number of entries")
	history := fs.Bool("history", false, "read persisted history instead of the live buffer")
	follow := fs.BoolP("follow", "f", false, "keep printing new entries")
	interval := fs.Duration("interval", time.Second, "poll interval for --follow")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args, 0, "usage: autoclick logs [--limit N] [--history] [--follow] [--json]") {
		return exitUsage
	}
	if *limit < 0 || (*follow && *history) {
		_, _ = fmt.Fprintln(r.errOut, "usage: autoclick logs [--limit N] [--history] [--follow] [--json]")
		return exitUsage
	}
	if *follow {
		err := r.client.FollowLogs(ctx, appclient.FollowOptions{PollInterval: *interval}, func(e api.LogEntryResponse) error {
			if *jsonOut {
				return json.NewEncoder(r.out).Encode(e)
			}
			r.printLogEntry(e)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return r.handleErr(err)
		}
		return exitOK
	}
	source := "live"
	if *history {
		source = "history"
	}
	env, err := r.client.Logs(ctx, appclient.LogsOptions{Limit: *limit, Source: source})
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	for _, e := range env.Entries {
		r.printLogEntry(e)
	}
	return exitOK
}

func (r *Runner) printLogEntry(e api.LogEntryResponse) {
	_, _ = fmt.Fprintf(r.out, "%s\t%-7s\t%s\n", e.Timestamp.Local().Format("15:04:05"), e.Kind, e.Message)
}

func (r *Runner) runCommand(ctx context.Context, name string, args []string, run func(context.Context) (api.CommandEnvelope, error)) int {
	fs := newFlagSet(name)
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args, 0, "usage: autoclick "+name+" [--json]") {
		return exitUsage
	}
	env, err := run(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	r.printCommandResult(env)
	return exitOK
}

func (r *Runner) runConnect(ctx context.Context, args []string) int {
	const usage = "usage: autoclick connect [endpoint] [--wait 3s] [--json]"
	fs := newFlagSet("connect")
	wait := fs.Duration("wait", 0, "wait for the handshake to settle")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args, 1, usage) {
		return exitUsage
	}
	if *wait < 0 {
		_, _ = fmt.Fprintln(r.errOut, usage)
		return exitUsage
	}
	req := api.BridgeConnectRequest{Endpoint: fs.Arg(0), WaitMS: int(wait.Milliseconds())}
	client := r.client
	if *wait > 0 {
		client = client.WithUnaryTimeout(*wait + 5*time.Second)
	}
	env, err := client.ConnectBridge(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(env)
	}
	r.printCommandResult(env)
	return exitOK
}

func (r *Runner) printCommandResult(env api.CommandEnvelope) {
	m := env.Metrics
	scan := "idle"
	if m.Scanning {
		scan = "running"
	}
	_, _ = fmt.Fprintf(r.out, "%s: ok (scan %s, bridge %s, clicks %s)\n", env.Command, scan, m.BridgeStatus, humanize.Comma(m.TotalClicks))
}

func (r *Runner) runSettings(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: autoclick settings <get|set>")
		return exitUsage
	}
	switch args[0] {
	case "get":
		fs := newFlagSet("settings get")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 0, "usage: autoclick settings get [--json]") {
			return exitUsage
		}
		env, err := r.client.Settings(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		r.printSettings(env.Settings)
		return exitOK
	case "set":
		const usage = "usage: autoclick settings set [--threshold N] [--bridge-url URL] [--auto-reconnect=bool] [--sound=bool] [--theme dark|system]"
		fs := newFlagSet("settings set")
		threshold := fs.Int("threshold", 0, "max files changed per batch before the safety lock trips")
		bridgeURL := fs.String("bridge-url", "", "input bridge websocket url")
		autoReconnect := fs.Bool("auto-reconnect", true, "reconnect after a failed or lost bridge connection")
		sound := fs.Bool("sound", true, "operator sound cues")
		theme := fs.String("theme", "", "console theme")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 0, usage) {
			return exitUsage
		}
		var req api.SettingsUpdateRequest
		if fs.Changed("threshold") {
			req.MaxFilesPerBatch = threshold
		}
		if fs.Changed("bridge-url") {
			req.BridgeURL = bridgeURL
		}
		if fs.Changed("auto-reconnect") {
			req.AutoReconnect = autoReconnect
		}
		if fs.Changed("sound") {
			req.SoundEnabled = sound
		}
		if fs.Changed("theme") {
			req.Theme = theme
		}
		if fs.NFlag() == 0 || (fs.NFlag() == 1 && fs.Changed("json")) {
			_, _ = fmt.Fprintln(r.errOut, usage)
			return exitUsage
		}
		env, err := r.client.UpdateSettings(ctx, req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		r.printSettings(env.Settings)
		return exitOK
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown settings command: %s\n", args[0])
		return exitUsage
	}
}

func (r *Runner) runDoctor(ctx context.Context, args []string) int {
	fs := newFlagSet("doctor")
	configPath := fs.String("config", "", "daemon config file to check")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parse(fs, args, 0, "usage: autoclick doctor [--config path] [--json]") {
		return exitUsage
	}
	res := doctor.Run(ctx, doctor.Options{
		ConfigPath: *configPath,
		Probe: func(ctx context.Context, socketPath string) error {
			client := r.client
			if !r.custom {
				client = appclient.New(socketPath)
			}
			_, err := client.WithUnaryTimeout(2 * time.Second).Health(ctx)
			return err
		},
	})
	if *jsonOut {
		if code := r.writeJSON(res); code != exitOK {
			return code
		}
	} else {
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		for _, c := range res.Checks {
			detail := c.Message
			if c.Path != "" {
				detail += " (" + c.Path + ")"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Status, c.Name, detail)
		}
		_ = tw.Flush()
	}
	if !res.OK {
		return exitFailure
	}
	return exitOK
}

func (r *Runner) printSettings(s api.SettingsResponse) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "bridge_url\t%s\n", s.BridgeURL)
	_, _ = fmt.Fprintf(tw, "max_files_per_batch\t%d\n", s.MaxFilesPerBatch)
	_, _ = fmt.Fprintf(tw, "auto_reconnect\t%t\n", s.AutoReconnect)
	_, _ = fmt.Fprintf(tw, "sound_enabled\t%t\n", s.SoundEnabled)
	_, _ = fmt.Fprintf(tw, "theme\t%s\n", s.Theme)
	if s.UpdatedAt != nil {
		_, _ = fmt.Fprintf(tw, "updated\t%s\n", humanize.RelTime(*s.UpdatedAt, r.now(), "ago", "from now"))
	}
	_ = tw.Flush()
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parse applies fs to args and allows at most maxArgs positional
// arguments. It reports usage errors itself.
func (r *Runner) parse(fs *pflag.FlagSet, args []string, maxArgs int, usage string) bool {
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n%s\n", err, usage)
		return false
	}
	if fs.NArg() > maxArgs {
		_, _ = fmt.Fprintf(r.errOut, "error: unexpected argument %q\n%s\n", fs.Arg(maxArgs), usage)
		return false
	}
	return true
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return exitOK
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return exitFailure
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: autoclick [--socket <path>] <status|logs|start|stop|reset|connect|disconnect|settings|target|pattern|doctor> ...")
}
