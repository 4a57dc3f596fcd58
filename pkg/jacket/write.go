package jacket

import (
	"time"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/metrics"
	"github.com/g4field/sgfa/pkg/state"
	"github.com/g4field/sgfa/pkg/store"
)

// LoadEntryForWrite fetches entry e's current revision and returns a
// draft primed with SetRevision(current+1), ready for the caller to
// mutate and pass to Write. Concurrent writers that both load the same
// entry will both produce a draft claiming the same next revision; only
// the first to reach Write wins, the second fails with Conflict (spec.md
// §8 scenario 2).
func (j *Jacket) LoadEntryForWrite(e uint64) (*entry.Entry, error) {
	var out *entry.Entry
	err := j.withShared(func() error {
		cur := j.state.CurrentRevision(e)
		if cur == 0 {
			return errs.NonExistentf("jacket: entry %d does not exist", e)
		}
		ent, err := j.fetchEntry(e, cur)
		if err != nil {
			return err
		}
		ent.SetRevision(cur + 1)
		out = ent
		return nil
	})
	return out, err
}

// Write finalizes drafts into a new history record under the exclusive
// lock (spec.md §4.6). Entries with no number assigned are treated as
// new; entries with a number must carry the revision the caller expects
// to become current (ordinarily produced by LoadEntryForWrite), or the
// write fails with Conflict and nothing is mutated. Returns the new
// history number.
func (j *Jacket) Write(user string, drafts []*entry.Entry, when time.Time) (uint64, error) {
	if len(drafts) == 0 {
		return 0, errs.Sanity("jacket: write requires at least one entry")
	}

	t := metrics.NewTimer()
	var result uint64
	err := j.withExclusive(func() error {
		prior := make(map[uint64]history.PriorEntryTags)
		for _, d := range drafts {
			if !d.EntrySet() {
				continue
			}
			cur := j.state.CurrentRevision(d.Number())
			if d.Revision() != cur+1 {
				return errs.Conflictf("jacket: entry %d revision %d conflicts with current revision %d",
					d.Number(), d.Revision(), cur)
			}
			if cur > 0 {
				prevEntry, err := j.fetchEntry(d.Number(), cur)
				if err != nil {
					return err
				}
				prior[d.Number()] = history.PriorEntryTags{
					Tags: tagSet(prevEntry.Tags()),
					Time: prevEntry.Time().Format(entry.TimeLayout),
				}
			}
		}

		if when.IsZero() {
			when = j.clock()
		}

		pending := make([]map[uint64]entry.File, len(drafts))
		for i, d := range drafts {
			pending[i] = d.PendingFiles()
		}

		curHist := j.state.CurrentHistory()
		var next *history.History
		var delta history.TagDelta
		var err error
		if curHist == 0 {
			next = history.New(j.idHash)
			delta, err = next.Process(1, history.ZeroHash, 0, user, drafts, when, j.clock, prior)
		} else {
			var loaded *history.History
			loaded, err = j.fetchHistory(curHist)
			if err != nil {
				return err
			}
			next, delta, err = loaded.Next(user, drafts, when, j.clock, prior)
		}
		if err != nil {
			return err
		}

		revisions := make(map[uint64]uint64, len(drafts))
		for _, d := range drafts {
			canon, err := d.Canonical()
			if err != nil {
				return err
			}
			id := ident.Entry(j.idHash, d.Number(), d.Revision())
			if err := j.putBlob(store.KindEntry, id, canon); err != nil {
				return err
			}
			revisions[d.Number()] = d.Revision()
		}

		for i, d := range drafts {
			for attachNum, f := range pending[i] {
				id := ident.Attach(j.idHash, d.Number(), attachNum, d.History())
				if err := j.putBlob(store.KindFile, id, f.Blob); err != nil {
					return err
				}
			}
		}

		histCanon, err := next.Canonical()
		if err != nil {
			return err
		}
		histID := ident.History(j.idHash, next.Number())
		if err := j.putBlob(store.KindHistory, histID, histCanon); err != nil {
			return err
		}

		if err := j.state.Apply(next.Number(), revisions, convertDelta(delta)); err != nil {
			return err
		}

		result = next.Number()
		return nil
	})
	t.ObserveDuration(metrics.JacketWriteDuration)
	if err != nil {
		metrics.JacketWritesTotal.WithLabelValues("error").Inc()
	} else {
		metrics.JacketWritesTotal.WithLabelValues("ok").Inc()
	}
	return result, err
}

func tagSet(tags []string) map[string]bool {
	out := make(map[string]bool, len(tags))
	for _, t := range tags {
		out[t] = true
	}
	return out
}

func convertDelta(d history.TagDelta) state.Delta {
	out := make(state.Delta, len(d))
	for tag, m := range d {
		conv := make(map[uint64]state.TagValue, len(m))
		for e, v := range m {
			conv[e] = state.TagValue{Tombstone: v.Tombstone, TimeStr: v.TimeStr}
		}
		out[tag] = conv
	}
	return out
}
