package lognormalizer

import (
	"regexp"
	"strings"
	"time"
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// StripANSI removes CSI-style ANSI escape sequences from s.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// StderrGap is the coalescing window: stderr lines arriving within this gap
// of each other are merged into one SystemMessage entry (§4.3).
const StderrGap = 2 * time.Second

// StderrCoalescer buffers stderr chunks and flushes them as a single
// SystemMessage entry once StderrGap has elapsed since the last chunk.
// FlushIfStale must be called periodically (e.g. from the same goroutine
// that reads stderr, on a ticker) since the coalescer has no timer of its
// own.
type StderrCoalescer struct {
	n       *Normalizer
	pending strings.Builder
	lastAt  time.Time
	now     func() time.Time
}

// NewStderrCoalescer creates a coalescer that appends finalized
// SystemMessage entries through n.
func NewStderrCoalescer(n *Normalizer) *StderrCoalescer {
	return &StderrCoalescer{n: n, now: time.Now}
}

// Feed appends one stderr chunk, flushing any pending buffer first if the
// gap since the last chunk exceeded StderrGap.
func (c *StderrCoalescer) Feed(chunk string) {
	now := c.now()
	if c.pending.Len() > 0 && now.Sub(c.lastAt) > StderrGap {
		c.flush()
	}
	c.pending.WriteString(StripANSI(chunk))
	c.lastAt = now
}

// FlushIfStale flushes the pending buffer if the gap since the last Feed
// exceeds StderrGap. Call this from a periodic tick so coalesced stderr is
// not held forever by a process that goes quiet without producing more
// stderr.
func (c *StderrCoalescer) FlushIfStale() {
	if c.pending.Len() > 0 && c.now().Sub(c.lastAt) > StderrGap {
		c.flush()
	}
}

// Close flushes any remaining buffered stderr unconditionally; call once
// the underlying stream has closed.
func (c *StderrCoalescer) Close() {
	c.flush()
}

func (c *StderrCoalescer) flush() {
	if c.pending.Len() == 0 {
		return
	}
	text := c.pending.String()
	c.pending.Reset()
	c.n.appendSystemMessage(text)
	c.n.store.PushStderr(text)
}
