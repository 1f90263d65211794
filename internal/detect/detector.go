package detect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/g960059/autoclick/internal/bridge"
	"github.com/g960059/autoclick/internal/model"
)

// Detector reports what changed on the monitored screen since the
// previous sample and which targets are visible.
type Detector interface {
	Sample(ctx context.Context) (model.Sample, error)
}

type DetectorFunc func(ctx context.Context) (model.Sample, error)

func (f DetectorFunc) Sample(ctx context.Context) (model.Sample, error) {
	return f(ctx)
}

type FrameSource interface {
	Frame(ctx context.Context) (bridge.Frame, error)
}

type TargetSource interface {
	ListTargets(ctx context.Context) ([]model.Target, error)
	ListPatterns(ctx context.Context) ([]model.Pattern, error)
}

// Matcher detects targets by fuzzy-matching their trigger text against
// the text regions of a bridge frame.
type Matcher struct {
	frames  FrameSource
	targets TargetSource
}

var _ Detector = (*Matcher)(nil)

func NewMatcher(frames FrameSource, targets TargetSource) *Matcher {
	return &Matcher{frames: frames, targets: targets}
}

// Sample captures a frame and matches it. Without a connected bridge
// there is nothing to observe and the sample is empty.
func (m *Matcher) Sample(ctx context.Context) (model.Sample, error) {
	frame, err := m.frames.Frame(ctx)
	if errors.Is(err, bridge.ErrUnavailable) {
		return model.Sample{}, nil
	}
	if err != nil {
		return model.Sample{}, fmt.Errorf("capture frame: %w", err)
	}
	eligible, err := m.eligibleTargets(ctx)
	if err != nil {
		return model.Sample{}, err
	}
	changes := frame.ChangeCount
	if changes < 0 {
		changes = 0
	}
	return model.Sample{ChangeCount: changes, Matches: Match(frame.Regions, eligible)}, nil
}

func (m *Matcher) eligibleTargets(ctx context.Context) ([]model.Target, error) {
	targets, err := m.targets.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	patterns, err := m.targets.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	var allowed map[string]struct{}
	for _, p := range patterns {
		if !p.IsActive {
			continue
		}
		if allowed == nil {
			allowed = map[string]struct{}{}
		}
		for _, id := range p.TargetIDs {
			allowed[id] = struct{}{}
		}
	}
	out := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		if t.Status != model.TargetActive || strings.TrimSpace(t.TriggerText) == "" {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[t.ID]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// Match returns, for each target, its best region when the similarity
// reaches the target's confidence threshold. Results are ordered by
// confidence, highest first.
func Match(regions []bridge.Region, targets []model.Target) []model.Match {
	var matches []model.Match
	for _, t := range targets {
		best := -1.0
		var at bridge.Region
		for _, r := range regions {
			if s := Similarity(t.TriggerText, r.Text); s > best {
				best, at = s, r
			}
		}
		if best < 0 || best < t.ConfidenceThreshold {
			continue
		}
		matches = append(matches, model.Match{
			TargetID:   t.ID,
			TargetName: t.Name,
			Confidence: best,
			Position:   model.Position{X: at.X + at.W/2, Y: at.Y + at.H/2},
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
	return matches
}

// Similarity scores trigger against text in [0,1]. Text longer than the
// trigger is scanned in windows of the trigger's word count so a button
// label inside a longer line still scores well.
func Similarity(trigger, text string) float64 {
	want := normalize(trigger)
	have := normalize(text)
	if want == "" || have == "" {
		return 0
	}
	best := ratio(want, have)
	n := len(strings.Fields(want))
	words := strings.Fields(have)
	for i := 0; i+n <= len(words) && best < 1; i++ {
		if s := ratio(want, strings.Join(words[i:i+n], " ")); s > best {
			best = s
		}
	}
	return best
}

func ratio(a, b string) float64 {
	longest := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
