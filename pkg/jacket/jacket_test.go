package jacket

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/log"
	"github.com/g4field/sgfa/pkg/store"
	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) entry.Clock {
	return func() time.Time { return t }
}

func newTestJacket(t *testing.T, idText string) *Jacket {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLocal(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	j, err := Create(Config{
		Dir:   filepath.Join(dir, "jacket"),
		Store: s,
		Clock: fixedClock(when),
	}, idText)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

// recordingSink captures Validate/backup log lines for assertions.
type recordingSink struct {
	infos, warns, errors []string
}

func (r *recordingSink) Info(msg string)  { r.infos = append(r.infos, msg) }
func (r *recordingSink) Warn(msg string)  { r.warns = append(r.warns, msg) }
func (r *recordingSink) Error(msg string) { r.errors = append(r.errors, msg) }

func TestCreateWriteRead(t *testing.T) {
	j := newTestJacket(t, "demo")

	draft := entry.New(j.IDHash())
	if err := draft.SetTitle("hello"); err != nil {
		t.Fatal(err)
	}
	if err := draft.SetBody("world"); err != nil {
		t.Fatal(err)
	}
	if err := draft.AddTag("a"); err != nil {
		t.Fatal(err)
	}
	if err := draft.AddTag("b:c"); err != nil {
		t.Fatal(err)
	}

	hn, err := j.Write("alice", []*entry.Entry{draft}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), hn, "expected history #1")

	hist1, err := j.ReadHistory(1)
	if err != nil {
		t.Fatal(err)
	}
	hash1, err := hist1.Hash()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, history.ZeroHash, hist1.Previous(), "expected history #1 previous to be the zero hash")

	ent, err := j.ReadEntry(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "hello", ent.Title())

	total, window, err := j.ReadTag("_all", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), total)
	if assert.Len(t, window, 1) {
		assert.Equal(t, uint64(1), window[0].Entry)
	}

	total, window, err = j.ReadTag("b: c", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), total)
	assert.Len(t, window, 1, "expected tag %q to hold exactly entry 1", "b: c")

	// re-fetching history #1 from the store must reproduce the same hash,
	// confirming the canonical encoding is stable across decode/encode.
	hist1Again, err := j.ReadHistory(1)
	if err != nil {
		t.Fatal(err)
	}
	hash1Again, err := hist1Again.Hash()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, hash1, hash1Again, "expected stable history hash")
}

func TestRevisionConflict(t *testing.T) {
	j := newTestJacket(t, "conflict-demo")

	draft := entry.New(j.IDHash())
	_ = draft.SetTitle("first")
	_ = draft.SetBody("body")
	if _, err := j.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	writerA, err := j.LoadEntryForWrite(1)
	if err != nil {
		t.Fatal(err)
	}
	writerB, err := j.LoadEntryForWrite(1)
	if err != nil {
		t.Fatal(err)
	}

	_ = writerA.SetBody("body from A")
	_ = writerB.SetBody("body from B")

	if _, err := j.Write("alice", []*entry.Entry{writerA}, time.Time{}); err != nil {
		t.Fatalf("expected first writer to succeed, got %v", err)
	}

	_, err = j.Write("bob", []*entry.Entry{writerB}, time.Time{})
	assert.True(t, errs.Is(err, errs.KindConflict), "expected Conflict for second writer, got %v", err)

	// state must be unchanged by the failed write: current revision still 2.
	_, rev, err := j.Stat(1)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(2), rev, "expected current revision 2 after conflict")
}

func TestTagMove(t *testing.T) {
	j := newTestJacket(t, "tag-move-demo")

	draft := entry.New(j.IDHash())
	_ = draft.SetTitle("t")
	_ = draft.SetBody("b")
	_ = draft.AddTag("x")
	if _, err := j.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	next, err := j.LoadEntryForWrite(1)
	if err != nil {
		t.Fatal(err)
	}
	next.RemoveTag("x")
	_ = next.AddTag("y")
	next.SetTime(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))
	if _, err := j.Write("alice", []*entry.Entry{next}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	totalX, _, err := j.ReadTag("x", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(0), totalX, "expected tag x to be empty after move")

	totalY, windowY, err := j.ReadTag("y", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), totalY)
	if assert.Len(t, windowY, 1, "expected tag y to list entry 1") {
		assert.Equal(t, uint64(1), windowY[0].Entry)
	}

	totalAll, _, err := j.ReadTag("_all", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, uint64(1), totalAll, "expected _all still lists entry 1")
}

func TestValidateDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")
	s, err := store.NewLocal(blobDir)
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	j, err := Create(Config{Dir: filepath.Join(dir, "jacket"), Store: s, Clock: fixedClock(when)}, "validate-demo")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		draft := entry.New(j.IDHash())
		_ = draft.SetTitle("t")
		_ = draft.SetBody("b")
		if _, err := j.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := j.Validate(ValidateParams{Min: 1, Max: 3, HashEntry: true, HashAttach: true})
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok, "expected a clean chain to validate true")

	// corrupt the entry blob for (1, 1) on disk.
	entryPath := entryBlobPath(blobDir, j.IDHash(), 1, 1)
	if err := os.WriteFile(entryPath, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	ok, err = j.Validate(ValidateParams{Min: 1, Max: 3, HashEntry: true, HashAttach: true, Log: sink})
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, ok, "expected corrupted entry blob to fail validation")
	assert.Contains(t, sink.errors, "Entry invalid 1-1")
}

// TestValidateWithZerologSink checks that log.ZerologSink, the adapter
// from a zerolog.Logger to the plain jacket.Sink interface, works as a
// drop-in Log for Validate.
func TestValidateWithZerologSink(t *testing.T) {
	j := newTestJacket(t, "zerolog-sink-demo")
	draft := entry.New(j.IDHash())
	_ = draft.SetTitle("t")
	_ = draft.SetBody("b")
	if _, err := j.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
		t.Fatal(err)
	}

	sink := log.ZerologSink{L: log.WithComponent("validate-test")}
	ok, err := j.Validate(ValidateParams{Min: 1, Max: 1, HashEntry: true, HashAttach: true, Log: sink})
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, ok, "expected a clean chain to validate true")
}

// entryBlobPath reproduces the Local store's sharded path (spec.md §6.3)
// for an entry blob, for tests that need to corrupt bytes directly on
// disk without a Store handle.
func entryBlobPath(root, idHash string, e, r uint64) string {
	id := ident.Entry(idHash, e, r)
	return filepath.Join(root, id[:2], id[2:]+"-e")
}

func TestBackupPushPullRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	srcStore, err := store.NewLocal(filepath.Join(srcDir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src, err := Create(Config{Dir: filepath.Join(srcDir, "jacket"), Store: srcStore, Clock: fixedClock(when)}, "backup-demo")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		draft := entry.New(src.IDHash())
		_ = draft.SetTitle("t")
		_ = draft.SetBody("b")
		if _, err := draft.Attach("f.txt", []byte("contents")); err != nil {
			t.Fatal(err)
		}
		if _, err := src.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	backupDir := t.TempDir()
	backupStore, err := store.NewLocal(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.BackupPush(PushParams{Dest: backupStore, Min: 1, Max: 2, Stat: true}); err != nil {
		t.Fatal(err)
	}

	destDir := t.TempDir()
	destStore, err := store.NewLocal(filepath.Join(destDir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	dest, err := Create(Config{Dir: filepath.Join(destDir, "jacket"), Store: destStore}, "backup-demo")
	if err != nil {
		t.Fatal(err)
	}

	if err := dest.BackupPull(PullParams{Source: backupStore, Min: 1, Max: 2}); err != nil {
		t.Fatal(err)
	}

	srcHist, srcRev, err := src.Stat(1)
	if err != nil {
		t.Fatal(err)
	}
	destHist, destRev, err := dest.Stat(1)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, srcHist, destHist, "expected matching history after pull")
	assert.Equal(t, srcRev, destRev, "expected matching revision after pull")

	for e := uint64(1); e <= 2; e++ {
		srcEnt, err := src.ReadEntry(e, 0)
		if err != nil {
			t.Fatal(err)
		}
		destEnt, err := dest.ReadEntry(e, 0)
		if err != nil {
			t.Fatal(err)
		}
		srcCanon, err := srcEnt.Canonical()
		if err != nil {
			t.Fatal(err)
		}
		destCanon, err := destEnt.Canonical()
		if err != nil {
			t.Fatal(err)
		}
		assert.Equal(t, string(srcCanon), string(destCanon), "entry %d canonical mismatch after restore", e)
	}
}

func TestStateRebuildAfterDeletion(t *testing.T) {
	dir := t.TempDir()
	blobDir := filepath.Join(dir, "blobs")
	s, err := store.NewLocal(blobDir)
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	jacketDir := filepath.Join(dir, "jacket")
	j, err := Create(Config{Dir: jacketDir, Store: s, Clock: fixedClock(when)}, "rebuild-demo")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		draft := entry.New(j.IDHash())
		_ = draft.SetTitle("t")
		_ = draft.SetBody("b")
		_ = draft.AddTag("x")
		if _, err := j.Write("alice", []*entry.Entry{draft}, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}

	beforeState := readAllBytes(t, filepath.Join(jacketDir, stateDir, "_state"))
	beforeList := readAllBytes(t, filepath.Join(jacketDir, stateDir, "_list"))

	if err := os.RemoveAll(filepath.Join(jacketDir, stateDir)); err != nil {
		t.Fatal(err)
	}

	if err := j.Rebuild(1, 3); err != nil {
		t.Fatal(err)
	}

	afterState := readAllBytes(t, filepath.Join(jacketDir, stateDir, "_state"))
	afterList := readAllBytes(t, filepath.Join(jacketDir, stateDir, "_list"))

	assert.Equal(t, string(beforeState), string(afterState), "expected byte-identical _state after rebuild")
	assert.Equal(t, string(beforeList), string(afterList), "expected byte-identical _list after rebuild")
}

func readAllBytes(t *testing.T, path string) []byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
