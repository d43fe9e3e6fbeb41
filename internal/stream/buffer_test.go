package stream

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(events *[]Event) EmitFunc {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestBufferCoalescesShortStreamIntoSingleDelta(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 60, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("Hello", ""))
	require.NoError(t, buf.Push(" there", ""))
	require.NoError(t, buf.Push(" friend", ""))
	assert.Empty(t, events, "nothing should flush below threshold without a boundary")

	require.NoError(t, buf.Finish())
	require.Len(t, events, 1)
	assert.Equal(t, Delta("Hello there friend"), events[0])
	assert.Equal(t, "Hello there friend", buf.Text())
}

func TestBufferCountsCharactersNotBytes(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 60, MaxWait: time.Hour}, collectEvents(&events))

	// 25 CJK runes are 75 bytes; below a 60-character threshold they must
	// still coalesce into a single delta.
	for i := 0; i < 25; i++ {
		require.NoError(t, buf.Push("中", ""))
	}
	assert.Empty(t, events, "25 characters must not flush under a 60-character threshold")

	require.NoError(t, buf.Finish())
	require.Len(t, events, 1)
	assert.Equal(t, Delta(strings.Repeat("中", 25)), events[0])
}

func TestBufferLengthThresholdInRunesFlushes(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 10, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("一二三四五六七八九", ""))
	assert.Empty(t, events)

	require.NoError(t, buf.Push("十", ""))
	require.Len(t, events, 1)
	assert.Equal(t, Delta("一二三四五六七八九十"), events[0])
}

func TestBufferFlushesWhenLengthThresholdReached(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 10, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("12345", ""))
	assert.Empty(t, events)

	// This fragment pushes the pending text past the threshold; the flush
	// happens in the same Push, not on a timer.
	require.NoError(t, buf.Push("67890A", ""))
	require.Len(t, events, 1)
	assert.Equal(t, Delta("1234567890A"), events[0])
}

func TestBufferFlushesOnTerminalPunctuation(t *testing.T) {
	for _, punct := range []string{".", "!", "?", "。", "！", "？"} {
		var events []Event
		buf := NewBuffer(Options{MinChars: 1000, MaxWait: time.Hour}, collectEvents(&events))

		require.NoError(t, buf.Push("一句话"+punct, ""))
		require.Len(t, events, 1, "punctuation %q should flush", punct)
		assert.Equal(t, Delta("一句话"+punct), events[0])
	}
}

func TestBufferFlushesOnParagraphBreak(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 1000, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("first line", ""))
	assert.Empty(t, events)
	require.NoError(t, buf.Push("\n\nsecond", ""))
	require.Len(t, events, 1)
	assert.Equal(t, Delta("first line\n\nsecond"), events[0])
}

func TestBufferFlushesAfterMaxWait(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 1000, MaxWait: 180 * time.Millisecond}, collectEvents(&events))

	now := time.Now()
	buf.now = func() time.Time { return now }
	buf.lastFlush = now

	require.NoError(t, buf.Push("slow", ""))
	assert.Empty(t, events)

	now = now.Add(200 * time.Millisecond)
	require.NoError(t, buf.Push(" drip", ""))
	require.Len(t, events, 1)
	assert.Equal(t, Delta("slow drip"), events[0])
}

func TestBufferFlushesPendingTextBeforeThinking(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 1000, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("buffered text", ""))
	require.NoError(t, buf.Push("", "let me think"))

	require.Len(t, events, 2)
	assert.Equal(t, Delta("buffered text"), events[0])
	assert.Equal(t, Thinking("let me think"), events[1])
}

func TestBufferForwardsThinkingImmediately(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 1000, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("", "step one"))
	require.NoError(t, buf.Push("", "step two"))

	require.Len(t, events, 2)
	assert.Equal(t, Thinking("step one"), events[0])
	assert.Equal(t, Thinking("step two"), events[1])
	assert.Equal(t, "step onestep two", buf.Reasoning())
}

func TestBufferAccumulatesFullOutputForPersistence(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{MinChars: 5, MaxWait: time.Hour}, collectEvents(&events))

	require.NoError(t, buf.Push("part one ", "thinking a"))
	require.NoError(t, buf.Push("part two", "thinking b"))
	require.NoError(t, buf.Finish())

	assert.Equal(t, "part one part two", buf.Text())
	assert.Equal(t, "thinking athinking b", buf.Reasoning())
}

func TestBufferNeverEmitsDone(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{}, collectEvents(&events))

	require.NoError(t, buf.Push("A complete sentence.", "some reasoning"))
	require.NoError(t, buf.Finish())

	for _, ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
}

func TestBufferFinishOnEmptyPendingEmitsNothing(t *testing.T) {
	var events []Event
	buf := NewBuffer(Options{}, collectEvents(&events))

	require.NoError(t, buf.Finish())
	assert.Empty(t, events)
}
