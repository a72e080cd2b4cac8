package msgstore

import (
	"context"
	"encoding/json"
)

// RawHistoryPage returns up to limit raw entries strictly older than cursor
// (an exclusive upper-bound index) in ascending index order, plus whether an
// older page remains. cursor < 0 means "start from the newest end".
func (s *Store) RawHistoryPage(limit int, cursor int) (entries []Entry, hasMore bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upper := len(s.entriesRaw)
	if cursor >= 0 && cursor < upper {
		upper = cursor
	}
	return pageSlice(s.entriesRaw, upper, limit)
}

// NormalizedHistoryPage is the normalized-channel analogue of RawHistoryPage.
func (s *Store) NormalizedHistoryPage(limit int, cursor int) (entries []Entry, hasMore bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upper := len(s.entriesNorm)
	if cursor >= 0 && cursor < upper {
		upper = cursor
	}
	wrapped := make([]Entry, upper)
	for i := 0; i < upper; i++ {
		wrapped[i] = Entry{Kind: "NORMALIZED", Content: string(s.entriesNorm[i])}
	}
	return pageSlice(wrapped, upper, limit)
}

func pageSlice(all []Entry, upper, limit int) ([]Entry, bool) {
	lower := upper - limit
	hasMore := lower > 0
	if lower < 0 {
		lower = 0
	}
	out := make([]Entry, upper-lower)
	copy(out, all[lower:upper])
	return out, hasMore
}

// EntryReader streams LogEntryEvent values (raw or normalized channel) after
// replaying history, used by raw_history_plus_stream / normalized_history_plus_stream.
type EntryReader struct {
	inner *Reader
	raw   bool // true = raw channel, false = normalized channel
	idx   int
}

// RawHistoryPlusStream streams the raw (stdout/stderr) channel as LogEntryEvents.
func (s *Store) RawHistoryPlusStream() *EntryReader {
	return &EntryReader{inner: s.HistoryPlusStream(), raw: true}
}

// NormalizedHistoryPlusStream streams the normalized (entries_norm) channel
// as LogEntryEvents, translating JSONPatch pushes into Append/Replace events.
func (s *Store) NormalizedHistoryPlusStream() *EntryReader {
	return &EntryReader{inner: s.HistoryPlusStream(), raw: false}
}

func (r *EntryReader) Close() { r.inner.Close() }

// Next blocks for the next LogEntryEvent on this reader's channel, skipping
// LogMsg kinds that don't map onto it (e.g. SessionID on the raw channel).
// It returns false once Finished has been observed or ctx ends.
func (r *EntryReader) Next(ctx context.Context) (LogEntryEvent, bool) {
	for {
		msg, ok := r.inner.Next(ctx)
		if !ok {
			return LogEntryEvent{}, false
		}
		switch msg.Kind {
		case KindFinished:
			return LogEntryEvent{Kind: EventFinished}, true
		case KindStdout, KindStderr:
			if !r.raw {
				continue
			}
			idx := r.idx
			r.idx++
			return LogEntryEvent{Kind: EventAppend, Index: idx, Entry: []byte(msg.Text)}, true
		case KindJSONPatch:
			if r.raw {
				continue
			}
			var ops []PatchOp
			if err := json.Unmarshal(msg.Patch, &ops); err != nil || len(ops) == 0 {
				continue
			}
			op := ops[0]
			idx, ok := entryIndex(op.Path)
			if !ok {
				continue
			}
			kind := EventReplace
			if op.Op == "add" {
				kind = EventAppend
			}
			return LogEntryEvent{Kind: kind, Index: idx, Entry: op.Value}, true
		default:
			continue
		}
	}
}
