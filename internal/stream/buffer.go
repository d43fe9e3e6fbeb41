package stream

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultMinChars = 60
	DefaultMaxWait  = 180 * time.Millisecond
)

// boundaryPattern matches a paragraph break anywhere in the pending text, or
// terminal punctuation (CJK or ASCII) at its end.
var boundaryPattern = regexp.MustCompile(`\n\n|[。！？.!?]\s*$`)

// EmitFunc receives coalesced events in emission order. A non-nil error
// aborts buffering and is returned to the pusher.
type EmitFunc func(Event) error

// Options tunes the coalescing policy. Zero values fall back to defaults.
type Options struct {
	// MinChars flushes the pending text once it holds this many
	// characters (runes, not bytes).
	MinChars int
	// MaxWait flushes non-empty pending text when this much time has
	// passed since the last flush. Checked on fragment arrival; the
	// buffer never starts its own timers.
	MaxWait time.Duration
}

// Buffer converts a fragment stream into delta/thinking events. Primary text
// is coalesced under a length/boundary/time policy; reasoning text is
// forwarded immediately, after any pending primary text has been flushed so
// the two never reorder. The buffer never emits a done event.
//
// Buffer is not safe for concurrent use; one request owns one Buffer.
type Buffer struct {
	minChars int
	maxWait  time.Duration
	emit     EmitFunc

	pending      strings.Builder
	pendingRunes int
	text         strings.Builder
	reasoning    strings.Builder
	lastFlush    time.Time

	now func() time.Time
}

func NewBuffer(opts Options, emit EmitFunc) *Buffer {
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	b := &Buffer{
		minChars: opts.MinChars,
		maxWait:  opts.MaxWait,
		emit:     emit,
		now:      time.Now,
	}
	b.lastFlush = b.now()
	return b
}

// Push feeds one normalized fragment through the coalescing policy. Either
// field may be empty; reasoning is handled before any primary text carried in
// the same fragment would be appended, mirroring provider semantics where a
// fragment carries at most one of the two.
func (b *Buffer) Push(text, reasoning string) error {
	if reasoning != "" {
		if err := b.flushPending(); err != nil {
			return err
		}
		b.reasoning.WriteString(reasoning)
		if err := b.emit(Thinking(reasoning)); err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}

	b.pending.WriteString(text)
	b.pendingRunes += utf8.RuneCountInString(text)
	b.text.WriteString(text)

	// The length threshold counts characters, not bytes; CJK output must
	// coalesce the same way ASCII does.
	byLength := b.pendingRunes >= b.minChars
	byBoundary := boundaryPattern.MatchString(b.pending.String())
	byTime := b.now().Sub(b.lastFlush) >= b.maxWait

	if byLength || byBoundary || byTime {
		return b.flushPending()
	}
	return nil
}

// Finish flushes whatever is still pending. Called once at end of stream,
// on clean completion and on upstream failure alike.
func (b *Buffer) Finish() error {
	return b.flushPending()
}

// Text returns all primary text observed, for persistence.
func (b *Buffer) Text() string { return b.text.String() }

// Reasoning returns all reasoning text observed, for persistence.
func (b *Buffer) Reasoning() string { return b.reasoning.String() }

func (b *Buffer) flushPending() error {
	if b.pending.Len() == 0 {
		return nil
	}
	chunk := b.pending.String()
	b.pending.Reset()
	b.pendingRunes = 0
	b.lastFlush = b.now()
	return b.emit(Delta(chunk))
}
