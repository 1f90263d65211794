package logbuf

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/autoclick/internal/clock"
	"github.com/g960059/autoclick/internal/model"
)

// Capacity is the number of entries the buffer retains.
const Capacity = 50

// Buffer is a bounded, ordered log. Entries are kept in decision order,
// oldest first; once Capacity is exceeded the oldest entry is evicted.
type Buffer struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries []model.LogEntry
	hooks   []func(model.LogEntry)
}

func New(c clock.Clock) *Buffer {
	if c == nil {
		c = clock.Real()
	}
	return &Buffer{
		clock:   c,
		entries: make([]model.LogEntry, 0, Capacity),
	}
}

// OnAppend registers a hook called after every append, outside the lock.
func (b *Buffer) OnAppend(fn func(model.LogEntry)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Append records an event decided now.
func (b *Buffer) Append(kind model.LogKind, message string) model.LogEntry {
	return b.AppendAt(b.clock.Now(), kind, message)
}

// AppendAt records an event decided at `at`, which may be earlier than
// entries appended since. The entry is placed after every entry decided
// at or before `at`, so display order follows decision order even when
// the underlying I/O completes out of order.
func (b *Buffer) AppendAt(at time.Time, kind model.LogKind, message string) model.LogEntry {
	if !kind.Valid() {
		kind = model.LogInfo
	}
	entry := model.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: at,
		Kind:      kind,
		Message:   message,
	}

	b.mu.Lock()
	idx := len(b.entries)
	for idx > 0 && b.entries[idx-1].Timestamp.After(at) {
		idx--
	}
	b.entries = append(b.entries, model.LogEntry{})
	copy(b.entries[idx+1:], b.entries[idx:])
	b.entries[idx] = entry
	if over := len(b.entries) - Capacity; over > 0 {
		b.entries = append(b.entries[:0], b.entries[over:]...)
	}
	hooks := b.hooks
	b.mu.Unlock()

	for _, fn := range hooks {
		fn(entry)
	}
	return entry
}

// Recent returns at most limit entries, newest last. limit <= 0 returns all.
func (b *Buffer) Recent(limit int) []model.LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.LogEntry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
