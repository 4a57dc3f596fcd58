package jacket

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/metrics"
	"github.com/g4field/sgfa/pkg/store"
)

// ValidateParams configures Validate (spec.md §4.9).
type ValidateParams struct {
	Min, Max    uint64 // Max == 0 means "walk until history records run out"
	MissHistory uint64 // tolerated consecutive missing history records
	MaxHash     string // if set (and Max > 0), the final history's hash must equal this
	HashEntry   bool
	HashAttach  bool
	Log         Sink // optional; defaults to a no-op sink
}

// Validate walks the history chain from Min upward, checking link
// integrity and optionally recomputing entry/attachment hashes. It
// returns true iff no errors were reported and, if Max was supplied, the
// walk actually reached it (spec.md §4.9, §8 scenario 4).
func (j *Jacket) Validate(p ValidateParams) (bool, error) {
	if p.Log == nil {
		p.Log = discardSink{}
	}
	if p.Min == 0 {
		p.Min = 1
	}

	ok := true
	reachedMax := p.Max == 0
	t := metrics.NewTimer()
	defer t.ObserveDuration(metrics.ValidateDuration)

	err := j.withShared(func() error {
		var priorHash, lastHash string
		havePrior := false
		miss := uint64(0)

		for n := p.Min; p.Max == 0 || n <= p.Max; n++ {
			id := ident.History(j.idHash, n)
			rc, rerr := j.store.Read(store.KindHistory, id)
			if rerr != nil {
				if !errs.Is(rerr, errs.KindNonExistent) {
					return rerr
				}
				miss++
				p.Log.Warn(fmt.Sprintf("History missing %d", n))
				if miss > p.MissHistory {
					if p.Max == 0 {
						break
					}
					p.Log.Error(fmt.Sprintf("History gap exceeds tolerance at %d", n))
					metrics.ValidateErrorsTotal.WithLabelValues("history_gap").Inc()
					ok = false
					break
				}
				continue
			}
			miss = 0

			b, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr != nil {
				return errs.Wrap("jacket: read history blob", rerr)
			}

			rec, derr := history.Decode(b)
			if derr != nil {
				ok = false
				p.Log.Error(fmt.Sprintf("History invalid %d: %v", n, derr))
				metrics.ValidateErrorsTotal.WithLabelValues("history_invalid").Inc()
				continue
			}

			sum := sha256.Sum256(b)
			curHash := hex.EncodeToString(sum[:])

			if havePrior && rec.Previous() != priorHash {
				ok = false
				p.Log.Error(fmt.Sprintf("History chain break at %d", n))
				metrics.ValidateErrorsTotal.WithLabelValues("chain_break").Inc()
			}

			if p.HashEntry {
				for _, er := range rec.Entries() {
					eid := ident.Entry(j.idHash, er.Entry, er.Revision)
					erc, eerr := j.store.Read(store.KindEntry, eid)
					if eerr != nil {
						if errs.Is(eerr, errs.KindNonExistent) {
							p.Log.Warn(fmt.Sprintf("Entry missing %d-%d", er.Entry, er.Revision))
							continue
						}
						return eerr
					}
					eb, eerr := io.ReadAll(erc)
					erc.Close()
					if eerr != nil {
						return errs.Wrap("jacket: read entry blob", eerr)
					}
					esum := sha256.Sum256(eb)
					if hex.EncodeToString(esum[:]) != er.Hash {
						ok = false
						p.Log.Error(fmt.Sprintf("Entry invalid %d-%d", er.Entry, er.Revision))
						metrics.ValidateErrorsTotal.WithLabelValues("entry_invalid").Inc()
					}
				}
			}

			if p.HashAttach {
				for _, ar := range rec.Attachments() {
					aid := ident.Attach(j.idHash, ar.Entry, ar.Attach, n)
					arc, aerr := j.store.Read(store.KindFile, aid)
					if aerr != nil {
						if errs.Is(aerr, errs.KindNonExistent) {
							p.Log.Warn(fmt.Sprintf("Attachment missing %d-%d", ar.Entry, ar.Attach))
							continue
						}
						return aerr
					}
					asum := sha256.New()
					_, aerr = io.Copy(asum, arc)
					arc.Close()
					if aerr != nil {
						return errs.Wrap("jacket: read attachment blob", aerr)
					}
					if hex.EncodeToString(asum.Sum(nil)) != ar.Hash {
						ok = false
						p.Log.Error(fmt.Sprintf("Attachment invalid %d-%d", ar.Entry, ar.Attach))
						metrics.ValidateErrorsTotal.WithLabelValues("attach_invalid").Inc()
					}
				}
			}

			priorHash = curHash
			havePrior = true
			lastHash = curHash
			if p.Max > 0 && n == p.Max {
				reachedMax = true
			}
		}

		if reachedMax && p.Max > 0 && p.MaxHash != "" && lastHash != p.MaxHash {
			ok = false
			p.Log.Error("Terminal history hash does not match expected value")
			metrics.ValidateErrorsTotal.WithLabelValues("terminal_hash").Inc()
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok && reachedMax, nil
}
