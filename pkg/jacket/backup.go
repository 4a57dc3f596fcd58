package jacket

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/metrics"
	"github.com/g4field/sgfa/pkg/state"
	"github.com/g4field/sgfa/pkg/store"
)

// PushParams configures BackupPush (spec.md §4.10).
type PushParams struct {
	Dest                  store.Store
	Min, Max              uint64
	SkipEntry, SkipAttach bool
	Stat                  bool // probe Dest before copying, skipping blobs already present
	Log                   Sink
}

// BackupPush copies this jacket's history range, and the entries and
// attachments it references, into Dest. It never deletes from Dest, and
// walks histories ascending so Dest is always consistent with some
// prefix of the chain.
func (j *Jacket) BackupPush(p PushParams) error {
	if p.Dest == nil {
		return errs.Sanity("jacket: BackupPush requires Dest")
	}
	if p.Log == nil {
		p.Log = discardSink{}
	}

	return j.withShared(func() error {
		for n := p.Min; n <= p.Max; n++ {
			hid := ident.History(j.idHash, n)
			rc, err := j.store.Read(store.KindHistory, hid)
			if err != nil {
				if errs.Is(err, errs.KindNonExistent) {
					p.Log.Warn(fmt.Sprintf("History missing %d", n))
					continue
				}
				return err
			}
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return errs.Wrap("jacket: read history blob", err)
			}

			if err := j.copyBytesIfNeeded(p.Dest, store.KindHistory, hid, b, p.Stat); err != nil {
				return err
			}

			rec, err := history.Decode(b)
			if err != nil {
				p.Log.Error(fmt.Sprintf("History invalid %d: %v", n, err))
				continue
			}

			if !p.SkipEntry {
				for _, er := range rec.Entries() {
					eid := ident.Entry(j.idHash, er.Entry, er.Revision)
					if err := j.copyBlobIfNeeded(p.Dest, store.KindEntry, eid, p.Stat); err != nil {
						return err
					}
				}
			}
			if !p.SkipAttach {
				for _, ar := range rec.Attachments() {
					aid := ident.Attach(j.idHash, ar.Entry, ar.Attach, n)
					if err := j.copyBlobIfNeeded(p.Dest, store.KindFile, aid, p.Stat); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// PullParams configures BackupPull (spec.md §4.11).
type PullParams struct {
	Source                store.Store
	Min, Max              uint64 // Max == 0 means "pull until Source runs out"
	SkipEntry, SkipAttach bool
	Stat                  bool
	Log                   Sink
}

// BackupPull restores this jacket's history range, and the entries and
// attachments it references, from Source. When Min == 1 it rebuilds the
// state index afterward by walking the pulled history downward from the
// highest record actually fetched (spec.md §4.11: "state must be reset
// if min == 1"). A partial restore (Min > 1) leaves the state index
// untouched; see the state-rebuild design note in DESIGN.md for why the
// "tombstone a stale prior revision" case isn't implemented.
func (j *Jacket) BackupPull(p PullParams) error {
	if p.Source == nil {
		return errs.Sanity("jacket: BackupPull requires Source")
	}
	if p.Log == nil {
		p.Log = discardSink{}
	}
	if p.Min == 0 {
		p.Min = 1
	}

	return j.withExclusive(func() error {
		var lastPulled uint64

		for n := p.Min; p.Max == 0 || n <= p.Max; n++ {
			hid := ident.History(j.idHash, n)

			if p.Stat {
				if _, err := j.store.Size(store.KindHistory, hid); err == nil {
					lastPulled = n
					continue
				} else if !errs.Is(err, errs.KindNonExistent) {
					return err
				}
			}

			rc, err := p.Source.Read(store.KindHistory, hid)
			if err != nil {
				if errs.Is(err, errs.KindNonExistent) {
					if p.Max == 0 {
						break
					}
					p.Log.Warn(fmt.Sprintf("History missing %d", n))
					continue
				}
				return err
			}
			b, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return errs.Wrap("jacket: read history blob", err)
			}

			if err := j.putBlob(store.KindHistory, hid, b); err != nil {
				return err
			}
			metrics.BackupBlobsCopiedTotal.WithLabelValues(store.KindHistory.String(), "pull").Inc()

			rec, err := history.Decode(b)
			if err != nil {
				p.Log.Error(fmt.Sprintf("History invalid %d: %v", n, err))
				continue
			}

			if !p.SkipEntry {
				for _, er := range rec.Entries() {
					eid := ident.Entry(j.idHash, er.Entry, er.Revision)
					if err := j.pullBlob(p.Source, store.KindEntry, eid, p.Stat); err != nil {
						return err
					}
				}
			}
			if !p.SkipAttach {
				for _, ar := range rec.Attachments() {
					aid := ident.Attach(j.idHash, ar.Entry, ar.Attach, n)
					if err := j.pullBlob(p.Source, store.KindFile, aid, p.Stat); err != nil {
						return err
					}
				}
			}

			lastPulled = n
		}

		if p.Min != 1 {
			p.Log.Warn("partial restore (min > 1) does not rebuild the state index")
			return nil
		}
		if lastPulled == 0 {
			return nil
		}
		return j.rebuildLocked(1, lastPulled)
	})
}

// Rebuild reconstructs the state index from the history chain (spec.md
// §4.12), the sole recovery path after a restore or detected corruption.
// The caller must not have any other operation in flight; Rebuild itself
// takes the exclusive lock.
func (j *Jacket) Rebuild(min, max uint64) error {
	return j.withExclusive(func() error {
		return j.rebuildLocked(min, max)
	})
}

// rebuildLocked assumes the exclusive lock is already held.
func (j *Jacket) rebuildLocked(min, max uint64) error {
	dir := j.stateDirPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap("jacket: recreate state directory", err)
	}
	rebuilt, err := state.Rebuild(dir, min, max, &rebuildSource{j: j})
	if err != nil {
		return err
	}
	j.state = rebuilt
	return nil
}

func (j *Jacket) stateDirPath() string {
	return filepath.Join(j.dir, stateDir)
}

func (j *Jacket) copyBlobIfNeeded(dest store.Store, kind store.Kind, id string, stat bool) error {
	if stat {
		if _, err := dest.Size(kind, id); err == nil {
			return nil
		} else if !errs.Is(err, errs.KindNonExistent) {
			return err
		}
	}
	if err := store.Copy(dest, j.store, kind, id); err != nil {
		return err
	}
	metrics.BackupBlobsCopiedTotal.WithLabelValues(kind.String(), "push").Inc()
	return nil
}

func (j *Jacket) copyBytesIfNeeded(dest store.Store, kind store.Kind, id string, b []byte, stat bool) error {
	if stat {
		if _, err := dest.Size(kind, id); err == nil {
			return nil
		} else if !errs.Is(err, errs.KindNonExistent) {
			return err
		}
	}
	t, err := dest.Temp()
	if err != nil {
		return err
	}
	if _, err := t.Write(b); err != nil {
		t.Close()
		return errs.Wrap("jacket: write temp blob", err)
	}
	if err := dest.Write(kind, id, t); err != nil {
		return err
	}
	metrics.BackupBlobsCopiedTotal.WithLabelValues(kind.String(), "push").Inc()
	return nil
}

func (j *Jacket) pullBlob(src store.Store, kind store.Kind, id string, stat bool) error {
	if stat {
		if _, err := j.store.Size(kind, id); err == nil {
			return nil
		} else if !errs.Is(err, errs.KindNonExistent) {
			return err
		}
	}
	if err := store.Copy(j.store, src, kind, id); err != nil {
		return err
	}
	metrics.BackupBlobsCopiedTotal.WithLabelValues(kind.String(), "pull").Inc()
	return nil
}

// rebuildSource adapts a Jacket's store into the capability state.Rebuild
// needs, without state depending on package history or package entry
// directly (spec.md §9: "per-backend polymorphism... inject at
// construction").
type rebuildSource struct {
	j *Jacket
}

func (r *rebuildSource) History(n uint64) (state.RebuildHistory, error) {
	rec, err := r.j.fetchHistory(n)
	if err != nil {
		return state.RebuildHistory{}, err
	}
	refs := make([]state.RebuildEntryRef, 0, len(rec.Entries()))
	for _, er := range rec.Entries() {
		refs = append(refs, state.RebuildEntryRef{Entry: er.Entry, Revision: er.Revision})
	}
	return state.RebuildHistory{Number: rec.Number(), EntryMax: rec.EntryMax(), Entries: refs}, nil
}

func (r *rebuildSource) EntryTags(e, rev uint64) ([]string, string, error) {
	ent, err := r.j.fetchEntry(e, rev)
	if err != nil {
		return nil, "", err
	}
	return ent.Tags(), ent.Time().Format(entry.TimeLayout), nil
}
