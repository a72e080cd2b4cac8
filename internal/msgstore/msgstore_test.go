package msgstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPushBroadcastsToSubscriber(t *testing.T) {
	s := New()
	r := s.HistoryPlusStream()
	defer r.Close()

	s.PushStdout("hello")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := r.Next(ctx)
	if !ok {
		t.Fatalf("expected a message")
	}
	if msg.Kind != KindStdout || msg.Text != "hello" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestHistoryPlusStreamReplaysPriorHistory(t *testing.T) {
	s := New()
	s.PushStdout("line one")
	s.PushStdout("line two")

	r := s.HistoryPlusStream()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := r.Next(ctx)
	if !ok || first.Text != "line one" {
		t.Fatalf("expected replay of line one, got %+v ok=%v", first, ok)
	}
	second, ok := r.Next(ctx)
	if !ok || second.Text != "line two" {
		t.Fatalf("expected replay of line two, got %+v ok=%v", second, ok)
	}
}

func TestApplyPatchAddAndReplace(t *testing.T) {
	s := New()
	add := []PatchOp{{Op: "add", Path: "/entries/0", Value: json.RawMessage(`{"text":"hi"}`)}}
	s.PushPatch(add)

	replace := []PatchOp{{Op: "replace", Path: "/entries/0", Value: json.RawMessage(`{"text":"hi there"}`)}}
	s.PushPatch(replace)

	entries := s.NormalizedEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 normalized entry, got %d", len(entries))
	}
	if string(entries[0]) != `{"text":"hi there"}` {
		t.Fatalf("unexpected entry content: %s", entries[0])
	}
}

func TestApplyPatchRemove(t *testing.T) {
	s := New()
	s.PushPatch([]PatchOp{{Op: "add", Path: "/entries/0", Value: json.RawMessage(`"a"`)}})
	s.PushPatch([]PatchOp{{Op: "add", Path: "/entries/1", Value: json.RawMessage(`"b"`)}})
	s.PushPatch([]PatchOp{{Op: "remove", Path: "/entries/0"}})

	entries := s.NormalizedEntries()
	if len(entries) != 1 || string(entries[0]) != `"b"` {
		t.Fatalf("unexpected entries after remove: %v", entries)
	}
}

func TestRawHistoryPageCursorSemantics(t *testing.T) {
	s := New()
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		s.PushStdout(line)
	}

	page, hasMore := s.RawHistoryPage(2, -1)
	if !hasMore {
		t.Fatalf("expected hasMore=true for the newest page")
	}
	if len(page) != 2 || page[0].Content != "d" || page[1].Content != "e" {
		t.Fatalf("unexpected newest page: %+v", page)
	}

	older, hasMore := s.RawHistoryPage(2, 3)
	if !hasMore {
		t.Fatalf("expected hasMore=true while entry 'a' is still older than the page")
	}
	if len(older) != 2 || older[0].Content != "b" || older[1].Content != "c" {
		t.Fatalf("unexpected older page: %+v", older)
	}
}

func TestPushFinishedSetsFlag(t *testing.T) {
	s := New()
	if s.Finished() {
		t.Fatalf("expected not finished initially")
	}
	s.PushFinished()
	if !s.Finished() {
		t.Fatalf("expected finished after PushFinished")
	}
}

func TestPushSessionIDRecordsLatest(t *testing.T) {
	s := New()
	if _, ok := s.SessionID(); ok {
		t.Fatalf("expected no session id initially")
	}
	s.PushSessionID("abc")
	id, ok := s.SessionID()
	if !ok || id != "abc" {
		t.Fatalf("unexpected session id state: %q %v", id, ok)
	}
}
