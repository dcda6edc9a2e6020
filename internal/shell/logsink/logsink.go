// Package logsink keeps the ordered, operator-visible deployment log.
//
// Entries are grouped: InsertAfter places an entry at the end of the group
// rooted at an anchor, so concurrent producers each get a contiguous block
// in the log regardless of how their writes interleave.
package logsink

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/deployagent/internal/core/domain"
)

// Entry is one line of the log.
type Entry = domain.LogEntry

// Sink accepts log lines.
type Sink interface {
	Append(text string, severity domain.Severity) domain.Anchor
	InsertAfter(anchor domain.Anchor, text string, severity domain.Severity) domain.Anchor
}

// DefaultSubscriberBuffer is the channel capacity given to each subscriber.
const DefaultSubscriberBuffer = 256

// Log is a concurrency-safe Sink that also exposes snapshots and live
// subscriptions.
type Log struct {
	mu      sync.Mutex
	entries *list.List
	index   map[domain.Anchor]*list.Element
	tails   map[domain.Anchor]*list.Element
	seq     domain.Anchor

	subs    map[int]chan Entry
	nextSub int

	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty log. Every entry is mirrored to logger.
func New(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		entries: list.New(),
		index:   make(map[domain.Anchor]*list.Element),
		tails:   make(map[domain.Anchor]*list.Element),
		subs:    make(map[int]chan Entry),
		logger:  logger.With("component", "deploy_log"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append adds a top-level entry at the end of the log.
func (l *Log) Append(text string, severity domain.Severity) domain.Anchor {
	l.mu.Lock()
	e := l.newEntry(0, text, severity)
	el := l.entries.PushBack(e)
	l.index[e.Anchor] = el
	l.tails[e.Anchor] = el
	l.publish(e)
	l.mu.Unlock()

	l.mirror(e)
	return e.Anchor
}

// InsertAfter adds an entry to the group rooted at anchor, after every
// entry already in that group. Inserting after a member of a group joins
// that member's group. An unknown anchor appends a top-level entry.
func (l *Log) InsertAfter(anchor domain.Anchor, text string, severity domain.Severity) domain.Anchor {
	l.mu.Lock()
	el, ok := l.index[anchor]
	if !ok {
		l.mu.Unlock()
		return l.Append(text, severity)
	}

	root := anchor
	if parent := el.Value.(Entry).Parent; parent != 0 {
		root = parent
	}
	tail, ok := l.tails[root]
	if !ok {
		tail = el
	}

	e := l.newEntry(root, text, severity)
	inserted := l.entries.InsertAfter(e, tail)
	l.index[e.Anchor] = inserted
	l.tails[root] = inserted
	l.publish(e)
	l.mu.Unlock()

	l.mirror(e)
	return e.Anchor
}

// Entries returns a snapshot of the log in display order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.entries.Len())
	for el := l.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Reset clears the log. Anchors keep increasing so stale anchors held by
// earlier producers never resolve to new entries.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Init()
	l.index = make(map[domain.Anchor]*list.Element)
	l.tails = make(map[domain.Anchor]*list.Element)
}

// Subscribe returns a channel receiving every new entry and a function that
// ends the subscription. Entries are dropped for a subscriber whose buffer
// is full.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, DefaultSubscriberBuffer)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}

func (l *Log) newEntry(parent domain.Anchor, text string, severity domain.Severity) Entry {
	l.seq++
	return Entry{
		Anchor:   l.seq,
		Parent:   parent,
		Text:     text,
		Severity: severity,
		Time:     l.now(),
	}
}

// publish must be called with mu held.
func (l *Log) publish(e Entry) {
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (l *Log) mirror(e Entry) {
	l.logger.Log(context.Background(), e.Severity.Level(), e.Text,
		"anchor", uint64(e.Anchor),
		"parent", uint64(e.Parent),
		"severity", string(e.Severity),
	)
}

// =============================================================================
// Rendering
// =============================================================================

// WriteText renders entries as plain text, one per line, indenting group
// members under their anchor.
func WriteText(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		indent := ""
		if e.Parent != 0 {
			indent = "    "
		}
		if _, err := fmt.Fprintf(w, "%s %-9s %s%s\n", e.Time.Format(time.TimeOnly), e.Severity, indent, e.Text); err != nil {
			return err
		}
	}
	return nil
}
