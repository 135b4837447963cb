// Package eventlog keeps the short timestamped lines shown in the activity feed.
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// Level tags an entry for display.
type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Alert   Level = "alert"
)

// Entry is one line of the feed.
type Entry struct {
	Time  time.Time `json:"time"`
	Level Level     `json:"level"`
	Text  string    `json:"text"`
}

// String renders the entry as "[15:04:05] text".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", e.Time.Format("15:04:05"), e.Text)
}

// Log is a bounded in-memory feed. Add never blocks: subscribers that fall
// behind miss entries but can always catch up through Recent.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	ch      chan Entry
	now     func() time.Time
}

// New creates a log holding maxEntries lines with an eventBuffer deep feed.
func New(maxEntries, eventBuffer int) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{
		entries: make([]Entry, 0, maxEntries),
		maxSize: maxEntries,
		ch:      make(chan Entry, eventBuffer),
		now:     time.Now,
	}
}

// Add appends a line and offers it to the feed.
func (l *Log) Add(level Level, text string) Entry {
	e := Entry{Time: l.now(), Level: level, Text: text}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.maxSize {
		l.entries = append(l.entries[:0], l.entries[len(l.entries)-l.maxSize:]...)
	}
	l.mu.Unlock()

	select {
	case l.ch <- e:
	default:
	}
	return e
}

// Addf is Add with formatting.
func (l *Log) Addf(level Level, format string, args ...any) Entry {
	return l.Add(level, fmt.Sprintf(format, args...))
}

// Recent returns up to n newest entries, oldest first. n <= 0 returns all.
func (l *Log) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.entries) {
		start = len(l.entries) - n
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Since returns the entries newer than the given age.
func (l *Log) Since(age time.Duration) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cutoff := l.now().Add(-age)
	var out []Entry
	for _, e := range l.entries {
		if e.Time.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Events returns the live feed.
func (l *Log) Events() <-chan Entry {
	return l.ch
}
