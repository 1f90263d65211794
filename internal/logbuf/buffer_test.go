package logbuf

import (
	"fmt"
	"testing"
	"time"

	"github.com/g960059/autoclick/internal/clock"
	"github.com/g960059/autoclick/internal/model"
)

func TestRecentReturnsInsertionOrderNewestLast(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	b := New(c)
	for i := 0; i < 3; i++ {
		b.Append(model.LogInfo, fmt.Sprintf("m%d", i))
		c.Advance(time.Second)
	}
	got := b.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Message != fmt.Sprintf("m%d", i) {
			t.Fatalf("entry %d: unexpected message %q", i, e.Message)
		}
	}
	last := b.Recent(1)
	if len(last) != 1 || last[0].Message != "m2" {
		t.Fatalf("expected newest entry only, got %+v", last)
	}
}

func TestAppendEvictsOldestBeyondCapacity(t *testing.T) {
	b := New(clock.NewFake(time.Unix(1000, 0)))
	evicted := map[string]struct{}{}
	for i := 0; i < Capacity+7; i++ {
		e := b.Append(model.LogInfo, fmt.Sprintf("m%d", i))
		if i < 7 {
			evicted[e.ID] = struct{}{}
		}
	}
	if b.Len() != Capacity {
		t.Fatalf("expected len %d, got %d", Capacity, b.Len())
	}
	got := b.Recent(0)
	if len(got) != Capacity {
		t.Fatalf("expected %d entries, got %d", Capacity, len(got))
	}
	if got[0].Message != "m7" || got[len(got)-1].Message != fmt.Sprintf("m%d", Capacity+6) {
		t.Fatalf("unexpected window: first=%q last=%q", got[0].Message, got[len(got)-1].Message)
	}
	for _, e := range got {
		if _, ok := evicted[e.ID]; ok {
			t.Fatalf("evicted entry %q still present", e.Message)
		}
	}
	if n := len(b.Recent(500)); n != Capacity {
		t.Fatalf("expected limit to clamp at capacity, got %d", n)
	}
}

func TestAppendAtKeepsDecisionOrder(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	b := New(c)
	decided := c.Now()
	c.Advance(time.Second)
	b.Append(model.LogInfo, "later")
	b.AppendAt(decided, model.LogSuccess, "decided-first")

	got := b.Recent(0)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "decided-first" || got[1].Message != "later" {
		t.Fatalf("expected decision order, got %q then %q", got[0].Message, got[1].Message)
	}
	if !got[0].Timestamp.Equal(decided) {
		t.Fatalf("expected decision timestamp, got %v", got[0].Timestamp)
	}
}

func TestAppendAssignsUniqueIDsAndCaptureTime(t *testing.T) {
	c := clock.NewFake(time.Unix(1000, 0))
	b := New(c)
	a := b.Append(model.LogBridge, "a")
	c.Advance(time.Minute)
	z := b.Append(model.LogKind("bogus"), "z")
	if a.ID == "" || a.ID == z.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, z.ID)
	}
	if !a.Timestamp.Equal(time.Unix(1000, 0)) {
		t.Fatalf("expected capture at append time, got %v", a.Timestamp)
	}
	if z.Kind != model.LogInfo {
		t.Fatalf("expected unknown kind to fall back to info, got %s", z.Kind)
	}
}

func TestOnAppendHookSeesEveryEntry(t *testing.T) {
	b := New(clock.NewFake(time.Unix(1000, 0)))
	var seen []string
	b.OnAppend(func(e model.LogEntry) { seen = append(seen, e.Message) })
	b.Append(model.LogInfo, "one")
	b.Append(model.LogError, "two")
	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Fatalf("unexpected hook calls: %v", seen)
	}
}
