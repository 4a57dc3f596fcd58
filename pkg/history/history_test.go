package history

import (
	"strings"
	"testing"
	"time"

	"github.com/g4field/sgfa/pkg/entry"
)

const jacketHash = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func fixedClock(t time.Time) entry.Clock {
	return func() time.Time { return t }
}

func TestFirstRecordHasZeroPrevious(t *testing.T) {
	h := New(jacketHash)
	e := entry.New(jacketHash)
	if err := e.SetTitle("hello"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetBody("world"); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	delta, err := h.Process(1, ZeroHash, 0, "alice", []*entry.Entry{e}, now, fixedClock(now), nil)
	if err != nil {
		t.Fatal(err)
	}
	if h.Previous() != ZeroHash {
		t.Fatalf("expected zero previous, got %s", h.Previous())
	}
	if e.Number() != 1 {
		t.Fatalf("expected new entry assigned number 1, got %d", e.Number())
	}
	if h.EntryMax() != 1 {
		t.Fatalf("expected entryMax 1, got %d", h.EntryMax())
	}
	if len(h.Entries()) != 1 || h.Entries()[0].Revision != 1 {
		t.Fatalf("unexpected entries: %+v", h.Entries())
	}
	if _, ok := delta["_all"][1]; !ok {
		t.Fatalf("expected _all tag touched for new entry, got %+v", delta)
	}
}

func TestNextChainsHash(t *testing.T) {
	h1 := New(jacketHash)
	e1 := entry.New(jacketHash)
	_ = e1.SetTitle("first")
	_ = e1.SetBody("body one")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h1.Process(1, ZeroHash, 0, "alice", []*entry.Entry{e1}, now, fixedClock(now), nil); err != nil {
		t.Fatal(err)
	}
	h1Hash, err := h1.Hash()
	if err != nil {
		t.Fatal(err)
	}

	e2 := entry.New(jacketHash)
	_ = e2.SetTitle("second")
	_ = e2.SetBody("body two")
	later := now.Add(time.Hour)
	h2, _, err := h1.Next("bob", []*entry.Entry{e2}, later, fixedClock(later), nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2.Number() != 2 {
		t.Fatalf("expected history number 2, got %d", h2.Number())
	}
	if h2.Previous() != h1Hash {
		t.Fatalf("expected previous to chain to h1's hash %s, got %s", h1Hash, h2.Previous())
	}
	if h2.EntryMax() != 2 {
		t.Fatalf("expected entryMax 2, got %d", h2.EntryMax())
	}
}

func TestTagDeltaAddAndRemoveWithoutTimeChange(t *testing.T) {
	h := New(jacketHash)
	e := entry.New(jacketHash)
	e.SetEntry(5)
	e.SetRevision(3)
	_ = e.SetTitle("existing")
	_ = e.SetBody("body")
	if err := e.AddTag("keep"); err != nil {
		t.Fatal(err)
	}
	if err := e.AddTag("new-tag"); err != nil {
		t.Fatal(err)
	}

	prevTime := "2024-01-01 00:00:00"
	prior := map[uint64]PriorEntryTags{
		5: {Tags: map[string]bool{"keep": true, "old-tag": true}, Time: prevTime},
	}

	parsed, err := time.Parse(TimeLayout, prevTime)
	if err != nil {
		t.Fatal(err)
	}
	// Reset the entry's internal time to match prior so TimeChanged is false.
	e2 := entry.Load(jacketHash, 5, 3, 9, 0, parsed, "existing", "body",
		[]string{"keep", "new-tag"}, nil)

	when := parsed
	delta, err := h.Process(10, ZeroHash, 5, "carol", []*entry.Entry{e2}, when, fixedClock(when), prior)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := delta["new-tag"][5]; !ok {
		t.Fatalf("expected new-tag to be added, got %+v", delta)
	}
	if v, ok := delta["old-tag"][5]; !ok || !v.Tombstone {
		t.Fatalf("expected old-tag tombstoned, got %+v", delta["old-tag"])
	}
	if _, ok := delta["keep"]; ok {
		t.Fatalf("unchanged tag must not appear in delta, got %+v", delta["keep"])
	}
	if _, ok := delta["_all"]; ok {
		t.Fatalf("_all must not be touched when time did not change, got %+v", delta["_all"])
	}
}

// TestTagDeltaTombstonesRemovedTagsOnTimeChange checks that a dropped tag
// still gets tombstoned even when the entry's time also changed, not just
// re-inserted for the tags it still carries.
func TestTagDeltaTombstonesRemovedTagsOnTimeChange(t *testing.T) {
	h := New(jacketHash)
	prior := map[uint64]PriorEntryTags{
		5: {Tags: map[string]bool{"old-tag": true}, Time: "2024-01-01 00:00:00"},
	}

	e := entry.New(jacketHash)
	e.SetEntry(5)
	e.SetRevision(3)
	_ = e.SetTitle("existing")
	_ = e.SetBody("body")
	if err := e.AddTag("new-tag"); err != nil {
		t.Fatal(err)
	}

	when := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	delta, err := h.Process(10, ZeroHash, 5, "carol", []*entry.Entry{e}, when, fixedClock(when), prior)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := delta["new-tag"][5]; !ok {
		t.Fatalf("expected new-tag to be inserted at the new time, got %+v", delta["new-tag"])
	}
	if v, ok := delta["old-tag"][5]; !ok || !v.Tombstone {
		t.Fatalf("expected old-tag tombstoned even though time changed, got %+v", delta["old-tag"])
	}
	if _, ok := delta["_all"][5]; !ok {
		t.Fatalf("expected _all to be re-inserted at the new time, got %+v", delta["_all"])
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	h := New(jacketHash)
	e := entry.New(jacketHash)
	_ = e.SetTitle("roundtrip")
	_ = e.SetBody("content")
	if _, err := e.Attach("a.txt", []byte("data")); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)
	if _, err := h.Process(3, ZeroHash, 2, "dave", []*entry.Entry{e}, now, fixedClock(now), nil); err != nil {
		t.Fatal(err)
	}

	b, err := h.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	again, err := decoded.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(b) {
		t.Fatalf("round trip mismatch:\n%s\n---\n%s", b, again)
	}
	if decoded.User() != "dave" {
		t.Fatalf("user mismatch: %s", decoded.User())
	}
	if len(decoded.Attachments()) != 1 {
		t.Fatalf("expected one attachment ref, got %+v", decoded.Attachments())
	}
}

func TestDecodeRejectsBadPreviousOnFirstRecord(t *testing.T) {
	h := New(jacketHash)
	e := entry.New(jacketHash)
	_ = e.SetTitle("t")
	_ = e.SetBody("b")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h.Process(1, ZeroHash, 0, "alice", []*entry.Entry{e}, now, fixedClock(now), nil); err != nil {
		t.Fatal(err)
	}
	b, err := h.Canonical()
	if err != nil {
		t.Fatal(err)
	}
	corrupted := strings.Replace(string(b), "prev "+ZeroHash, "prev "+jacketHash, 1)
	if _, err := Decode([]byte(corrupted)); err == nil {
		t.Fatal("expected Corrupt error for non-zero previous on record #1")
	}
}
