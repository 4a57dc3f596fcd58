package jacket

import (
	"io"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/state"
	"github.com/g4field/sgfa/pkg/store"
)

// ReadEntry fetches entry e at revision r. r == 0 means "current
// revision": a missing blob at the current revision is Corrupt (state
// claims it exists), while a missing blob at an explicit prior revision
// is NonExistent (spec.md §4.8).
func (j *Jacket) ReadEntry(e, r uint64) (*entry.Entry, error) {
	var out *entry.Entry
	err := j.withShared(func() error {
		wantCurrent := r == 0
		rev := r
		if wantCurrent {
			rev = j.state.CurrentRevision(e)
			if rev == 0 {
				return errs.NonExistentf("jacket: entry %d does not exist", e)
			}
		}
		ent, ferr := j.fetchEntry(e, rev)
		if ferr != nil {
			if wantCurrent && errs.Is(ferr, errs.KindNonExistent) {
				return errs.Corruptf(
					"jacket: entry %d revision %d is current but missing from the store", e, rev)
			}
			return ferr
		}
		out = ent
		return nil
	})
	return out, err
}

// ReadHistory fetches history record h. h == 0 means "current history";
// NonExistent if the jacket has no history yet or the record is missing.
func (j *Jacket) ReadHistory(h uint64) (*history.History, error) {
	var out *history.History
	err := j.withShared(func() error {
		n := h
		if n == 0 {
			n = j.state.CurrentHistory()
			if n == 0 {
				return errs.NonExistent("jacket: no history has been written yet")
			}
		}
		rec, ferr := j.fetchHistory(n)
		if ferr != nil {
			return ferr
		}
		out = rec
		return nil
	})
	return out, err
}

// ReadAttach returns a readable handle for attachment a of entry e,
// introduced in history h. The caller must close it. Never served from
// cache (spec.md §4.8).
func (j *Jacket) ReadAttach(e, a, h uint64) (io.ReadCloser, error) {
	var out io.ReadCloser
	err := j.withShared(func() error {
		id := ident.Attach(j.idHash, e, a, h)
		rc, ferr := j.store.Read(store.KindFile, id)
		recordRead("attach", ferr)
		if ferr != nil {
			return ferr
		}
		out = rc
		return nil
	})
	return out, err
}

// TagWindow is one result row from ReadTag: the entry number and the
// time_str it was last (re)inserted under this tag at.
type TagWindow struct {
	Entry uint64
	Time  string
}

// ReadTag returns the total number of entries under tag, plus up to max
// of them (newest time_str first) after skipping the newest offset
// entries (spec.md §4.8, §8: "read_tag(t, offset, max) returns <= max
// items, newest first"). The underlying state index stores each tag
// ascending by time_str (spec.md §3.4/§6.2); this reverses the requested
// slice rather than the whole list.
func (j *Jacket) ReadTag(tag string, offset, max uint64) (total uint64, window []TagWindow, err error) {
	err = j.withShared(func() error {
		all, ferr := j.state.ReadTag(tag, 0, 0)
		if ferr != nil {
			return ferr
		}
		total = uint64(len(all))
		window = windowNewestFirst(all, offset, max)
		return nil
	})
	return total, window, err
}

// windowNewestFirst slices all (ascending by time_str) into the
// newest-first page described by offset/max.
func windowNewestFirst(all []state.TagEntry, offset, max uint64) []TagWindow {
	total := uint64(len(all))
	if offset >= total {
		return nil
	}
	end := total - offset
	var start uint64
	if max == 0 || max > end {
		start = 0
	} else {
		start = end - max
	}
	slice := all[start:end]
	out := make([]TagWindow, len(slice))
	for i, te := range slice {
		out[len(slice)-1-i] = TagWindow{Entry: te.Entry, Time: te.Time}
	}
	return out
}

// ReadList enumerates every tag with a non-empty list, sorted ascending.
func (j *Jacket) ReadList() ([]string, error) {
	var out []string
	err := j.withShared(func() error {
		out = j.state.Tags()
		return nil
	})
	return out, err
}

// Stat reports the jacket's current history number and, for a given
// entry, its current revision (0 if it has never been written).
func (j *Jacket) Stat(e uint64) (historyNumber, revision uint64, err error) {
	err = j.withShared(func() error {
		historyNumber = j.state.CurrentHistory()
		revision = j.state.CurrentRevision(e)
		return nil
	})
	return historyNumber, revision, err
}
