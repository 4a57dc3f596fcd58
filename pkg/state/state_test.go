package state

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCreateThenApplyAndReadTag(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(0), s.CurrentHistory(), "empty jacket should have history 0")

	delta := Delta{
		"a":    {1: {TimeStr: "2024-01-02 03:04:05"}},
		"b: c": {1: {TimeStr: "2024-01-02 03:04:05"}},
		AllTag: {1: {TimeStr: "2024-01-02 03:04:05"}},
	}
	if err := s.Apply(1, map[uint64]uint64{1: 1}, delta); err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint64(1), s.CurrentHistory())
	assert.Equal(t, uint64(1), s.CurrentRevision(1))

	all, err := s.ReadTag(AllTag, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, all, 1, "unexpected _all list: %+v", all) {
		assert.Equal(t, uint64(1), all[0].Entry)
	}

	bc, err := s.ReadTag("b: c", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, bc, 1, "expected one entry under 'b: c'")

	// Reopen from disk and verify it persisted byte-for-byte equivalent
	// state.
	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), reopened.CurrentHistory())
	assert.Equal(t, uint64(1), reopened.CurrentRevision(1))
	assert.Len(t, reopened.Tags(), 3, "expected 3 tags after reopen")
}

func TestTagMoveRemovesOldTagAddsNew(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Apply(1, map[uint64]uint64{1: 1}, Delta{
		"x":    {1: {TimeStr: "2024-01-01 00:00:00"}},
		AllTag: {1: {TimeStr: "2024-01-01 00:00:00"}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.Apply(2, map[uint64]uint64{1: 2}, Delta{
		"x": {1: {Tombstone: true}},
		"y": {1: {TimeStr: "2024-01-02 00:00:00"}},
	}); err != nil {
		t.Fatal(err)
	}

	x, err := s.ReadTag("x", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, x, "expected tag x empty after move")
	assert.NotContains(t, s.Tags(), "x", "emptied tag must be removed from the tag directory")

	y, err := s.ReadTag("y", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if assert.Len(t, y, 1, "expected entry 1 under tag y") {
		assert.Equal(t, uint64(1), y[0].Entry)
	}

	all, err := s.ReadTag(AllTag, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, all, 1, "expected entry 1 to remain under _all")
}

func TestReadTagWindowing(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}

	delta := Delta{"t": {}}
	times := []string{
		"2024-01-01 00:00:00",
		"2024-01-01 00:00:01",
		"2024-01-01 00:00:02",
	}
	for i, ts := range times {
		delta["t"][uint64(i+1)] = TagValue{TimeStr: ts}
	}
	if err := s.Apply(1, map[uint64]uint64{1: 1, 2: 1, 3: 1}, delta); err != nil {
		t.Fatal(err)
	}

	page, err := s.ReadTag("t", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, page, 2, "expected page of 2")

	page2, err := s.ReadTag("t", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, page2, 1, "expected last page of 1")
}

type fakeSource struct {
	histories map[uint64]RebuildHistory
	tags      map[string][]string // "e:r" -> tags
	times     map[string]string   // "e:r" -> time_str
}

func (f *fakeSource) History(n uint64) (RebuildHistory, error) {
	return f.histories[n], nil
}

func (f *fakeSource) EntryTags(e, r uint64) ([]string, string, error) {
	key := keyFor(e, r)
	return f.tags[key], f.times[key], nil
}

func keyFor(e, r uint64) string {
	return fmt.Sprintf("%d:%d", e, r)
}

func TestRebuildMatchesDirectApply(t *testing.T) {
	src := &fakeSource{
		histories: map[uint64]RebuildHistory{
			1: {Number: 1, EntryMax: 1, Entries: []RebuildEntryRef{{Entry: 1, Revision: 1}}},
			2: {Number: 2, EntryMax: 1, Entries: []RebuildEntryRef{{Entry: 1, Revision: 2}}},
		},
		tags: map[string][]string{
			keyFor(1, 1): {"x"},
			keyFor(1, 2): {"y"},
		},
		times: map[string]string{
			keyFor(1, 1): "2024-01-01 00:00:00",
			keyFor(1, 2): "2024-01-02 00:00:00",
		},
	}

	dir := t.TempDir()
	rebuilt, err := Rebuild(dir, 1, 2, src)
	if err != nil {
		t.Fatal(err)
	}

	assert.Equal(t, uint64(2), rebuilt.CurrentHistory())
	assert.Equal(t, uint64(2), rebuilt.CurrentRevision(1))

	y, err := rebuilt.ReadTag("y", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, y, 1, "expected entry under tag y")
}
