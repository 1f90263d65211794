package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/g960059/autoclick/internal/api"
)

func (r *Runner) runTarget(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: autoclick target <list|add|update|toggle|remove>")
		return exitUsage
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("target list")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 0, "usage: autoclick target list [--json]") {
			return exitUsage
		}
		env, err := r.client.ListTargets(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		r.printTargets(env.Targets)
		return exitOK
	case "add":
		const usage = "usage: autoclick target add <name> [--trigger text] [--threshold 0.92] [--color #2563EB] [--shortcut keys] [--inactive]"
		fs := newFlagSet("target add")
		trigger := fs.String("trigger", "", "text that identifies the target on screen (defaults to the name)")
		threshold := fs.Float64("threshold", 0, "confidence threshold in (0, 1]")
		color := fs.String("color", "", "display color")
		shortcut := fs.String("shortcut", "", "keyboard shortcut label")
		inactive := fs.Bool("inactive", false, "create the target disabled")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 1, usage) {
			return exitUsage
		}
		name := strings.TrimSpace(fs.Arg(0))
		if name == "" {
			_, _ = fmt.Fprintln(r.errOut, usage)
			return exitUsage
		}
		if strings.TrimSpace(*trigger) == "" {
			*trigger = name
		}
		req := api.TargetRequest{Name: &name, TriggerText: trigger}
		if fs.Changed("threshold") {
			req.ConfidenceThreshold = threshold
		}
		if fs.Changed("color") {
			req.Color = color
		}
		if fs.Changed("shortcut") {
			req.Shortcut = shortcut
		}
		if *inactive {
			status := "inactive"
			req.Status = &status
		}
		env, err := r.client.CreateTarget(ctx, req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		_, _ = fmt.Fprintf(r.out, "added target %s (%s)\n", name, firstTargetID(env))
		return exitOK
	case "update":
		const usage = "usage: autoclick target update <id> [--name n] [--trigger text] [--threshold x] [--color c] [--shortcut keys] [--status active|inactive]"
		fs := newFlagSet("target update")
		name := fs.String("name", "", "target name")
		trigger := fs.String("trigger", "", "trigger text")
		threshold := fs.Float64("threshold", 0, "confidence threshold in (0, 1]")
		color := fs.String("color", "", "display color")
		shortcut := fs.String("shortcut", "", "keyboard shortcut label")
		status := fs.String("status", "", "active or inactive")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 1, usage) {
			return exitUsage
		}
		id := strings.TrimSpace(fs.Arg(0))
		if id == "" {
			_, _ = fmt.Fprintln(r.errOut, usage)
			return exitUsage
		}
		var req api.TargetRequest
		if fs.Changed("name") {
			req.Name = name
		}
		if fs.Changed("trigger") {
			req.TriggerText = trigger
		}
		if fs.Changed("threshold") {
			req.ConfidenceThreshold = threshold
		}
		if fs.Changed("color") {
			req.Color = color
		}
		if fs.Changed("shortcut") {
			req.Shortcut = shortcut
		}
		if fs.Changed("status") {
			req.Status = status
		}
		env, err := r.client.UpdateTarget(ctx, id, req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		_, _ = fmt.Fprintf(r.out, "updated target %s\n", id)
		return exitOK
	case "toggle":
		fs := newFlagSet("target toggle")
		if !r.parse(fs, args[1:], 1, "usage: autoclick target toggle <id>") {
			return exitUsage
		}
		if fs.NArg() == 0 {
			_, _ = fmt.Fprintln(r.errOut, "usage: autoclick target toggle <id>")
			return exitUsage
		}
		id := fs.Arg(0)
		current, err := r.client.GetTarget(ctx, id)
		if err != nil {
			return r.handleErr(err)
		}
		if len(current.Targets) == 0 {
			return r.handleErr(fmt.Errorf("target %s not found", id))
		}
		next := "inactive"
		if current.Targets[0].Status != "active" {
			next = "active"
		}
		if _, err := r.client.UpdateTarget(ctx, id, api.TargetRequest{Status: &next}); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "target %s is now %s\n", current.Targets[0].Name, next)
		return exitOK
	case "remove":
		fs := newFlagSet("target remove")
		if !r.parse(fs, args[1:], 1, "usage: autoclick target remove <id>") {
			return exitUsage
		}
		if fs.NArg() == 0 {
			_, _ = fmt.Fprintln(r.errOut, "usage: autoclick target remove <id>")
			return exitUsage
		}
		if err := r.client.DeleteTarget(ctx, fs.Arg(0)); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "removed target %s\n", fs.Arg(0))
		return exitOK
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown target command: %s\n", args[0])
		return exitUsage
	}
}

func (r *Runner) runPattern(ctx context.Context, args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: autoclick pattern <list|add|remove>")
		return exitUsage
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("pattern list")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 0, "usage: autoclick pattern list [--json]") {
			return exitUsage
		}
		env, err := r.client.ListPatterns(ctx)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		for _, p := range env.Patterns {
			state := "inactive"
			if p.IsActive {
				state = "active"
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, state,
				humanize.Comma(int64(len(p.TargetIDs)))+" targets",
				humanize.RelTime(p.UpdatedAt, r.now(), "ago", "from now"))
		}
		_ = tw.Flush()
		return exitOK
	case "add":
		const usage = "usage: autoclick pattern add <name> [--description text] [--targets id,id] [--active]"
		fs := newFlagSet("pattern add")
		description := fs.String("description", "", "pattern description")
		targets := fs.StringSlice("targets", nil, "member target ids, in order")
		active := fs.Bool("active", false, "restrict scanning to this pattern's targets")
		jsonOut := fs.Bool("json", false, "output JSON")
		if !r.parse(fs, args[1:], 1, usage) {
			return exitUsage
		}
		name := strings.TrimSpace(fs.Arg(0))
		if name == "" {
			_, _ = fmt.Fprintln(r.errOut, usage)
			return exitUsage
		}
		req := api.PatternRequest{Name: &name, Description: description, TargetIDs: targets, IsActive: active}
		env, err := r.client.CreatePattern(ctx, req)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeJSON(env)
		}
		id := ""
		if len(env.Patterns) > 0 {
			id = env.Patterns[0].ID
		}
		_, _ = fmt.Fprintf(r.out, "added pattern %s (%s)\n", name, id)
		return exitOK
	case "remove":
		fs := newFlagSet("pattern remove")
		if !r.parse(fs, args[1:], 1, "usage: autoclick pattern remove <id>") {
			return exitUsage
		}
		if fs.NArg() == 0 {
			_, _ = fmt.Fprintln(r.errOut, "usage: autoclick pattern remove <id>")
			return exitUsage
		}
		if err := r.client.DeletePattern(ctx, fs.Arg(0)); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintf(r.out, "removed pattern %s\n", fs.Arg(0))
		return exitOK
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown pattern command: %s\n", args[0])
		return exitUsage
	}
}

func (r *Runner) printTargets(targets []api.TargetResponse) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, t := range targets {
		shortcut := t.Shortcut
		if shortcut == "" {
			shortcut = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%q\t%s\t%s\t%s\n", t.ID, t.Name, t.TriggerText,
			humanize.FtoaWithDigits(t.ConfidenceThreshold*100, 1)+"%", t.Status, shortcut)
	}
	_ = tw.Flush()
}

func firstTargetID(env api.TargetsEnvelope) string {
	if len(env.Targets) == 0 {
		return ""
	}
	return env.Targets[0].ID
}
