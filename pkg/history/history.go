// Package history implements the history record: the cryptographic log
// entry binding a set of entry writes to the jacket's tamper-evident
// chain (spec.md §3.3, §4.5, §6.1).
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
)

const (
	MaxUser    = 64
	TimeLayout = entry.TimeLayout
)

// ZeroHash is the previous-hash value for history record #1 (spec.md
// §3.3: "256 zero bits"), 64 hex zero characters.
var ZeroHash = strings.Repeat("0", 64)

// TagValue is one entry's target in a tag delta: a time_str insertion, or
// a tombstone removing the entry from that tag.
type TagValue struct {
	Tombstone bool
	TimeStr   string
}

// TagDelta describes how the state index must change after this history
// record is applied: tag -> entry -> insertion/tombstone (spec.md §4.5).
type TagDelta map[string]map[uint64]TagValue

// History is a single record in the jacket's hash-linked change log.
// Construct with New or Load, finalize a batch of drafts with Process (or
// Next on an already-loaded record), then read Canonical/Hash.
type History struct {
	jacket    string
	number    uint64
	numberSet bool
	previous  string
	entryMax  uint64
	timeVal   time.Time
	user      string
	entries   []entry.EntryRef
	attaches  []entry.AttachRef

	canonical []byte
	hash      string
}

// New constructs an empty draft history bound to jacket jacketHash.
func New(jacketHash string) *History {
	return &History{jacket: jacketHash}
}

// Load reconstructs a History from previously persisted fields, so the
// caller can derive the next record from it via Next.
func Load(jacketHash string, number uint64, previous string, entryMax uint64,
	timeVal time.Time, user string, entries []entry.EntryRef, attaches []entry.AttachRef) *History {
	return &History{
		jacket:    jacketHash,
		number:    number,
		numberSet: true,
		previous:  previous,
		entryMax:  entryMax,
		timeVal:   timeVal,
		user:      user,
		entries:   entries,
		attaches:  attaches,
	}
}

// Number returns the history number (only meaningful once set).
func (h *History) Number() uint64 { return h.number }

// Previous returns the linked previous history's hash.
func (h *History) Previous() string { return h.previous }

// EntryMax returns the highest entry number in the jacket as of this record.
func (h *History) EntryMax() uint64 { return h.entryMax }

// Time returns this record's time_str value.
func (h *History) Time() time.Time { return h.timeVal }

// User returns the user credited with this record.
func (h *History) User() string { return h.user }

// Entries returns the (entry, revision, hash) tuples in input order.
func (h *History) Entries() []entry.EntryRef { return append([]entry.EntryRef(nil), h.entries...) }

// Attachments returns the (entry, attach, hash) tuples in discovery order.
func (h *History) Attachments() []entry.AttachRef {
	return append([]entry.AttachRef(nil), h.attaches...)
}

func (h *History) invalidate() {
	h.canonical = nil
	h.hash = ""
}

// PriorEntryTags is the prior revision's tag set and time_str for one of
// the entries passed to Process. The caller supplies it (the jacket's write
// path reads it from the current entry blob; tests build it directly).
type PriorEntryTags struct {
	Tags map[string]bool
	Time string // "" if the entry is new
}

// Process finalizes a set of draft entries into this history record. For
// each draft with no entry number assigned, it assigns the next sequential
// number starting at priorEntryMax+1. It calls Update on each to finalize
// it, aggregates entry/attachment hashes in input/discovery order, and
// computes the tag delta spec.md §4.5 describes.
//
// prior maps an already-numbered entry's number to its pre-write tag/time
// state; entries absent from prior are treated as brand new.
func (h *History) Process(number uint64, previousHash string, priorEntryMax uint64,
	user string, drafts []*entry.Entry, when time.Time, clock entry.Clock,
	prior map[uint64]PriorEntryTags) (TagDelta, error) {

	if err := checkUser(user); err != nil {
		return nil, err
	}

	h.number = number
	h.numberSet = true
	h.previous = previousHash
	h.user = user
	h.timeVal = when.UTC()
	h.entries = nil
	h.attaches = nil

	entryMax := priorEntryMax
	delta := make(TagDelta)

	touch := func(tag string, e uint64, val TagValue) {
		m, ok := delta[tag]
		if !ok {
			m = make(map[uint64]TagValue)
			delta[tag] = m
		}
		m[e] = val
	}

	for _, d := range drafts {
		var pv PriorEntryTags
		isNew := !d.EntrySet()
		if isNew {
			entryMax++
			d.SetEntry(entryMax)
			d.SetRevision(1)
		} else {
			pv = prior[d.Number()]
		}
		if d.Number() > entryMax {
			entryMax = d.Number()
		}

		changes, err := d.Update(number, clock, entry.Previous{Tags: pv.Tags, PrevTime: pv.Time})
		if err != nil {
			return nil, err
		}

		hash, err := d.Hash()
		if err != nil {
			return nil, err
		}
		h.entries = append(h.entries, entry.EntryRef{
			Entry: d.Number(), Revision: d.Revision(), Hash: hash,
		})

		timeStr := d.Time().Format(TimeLayout)
		if changes.TimeChanged {
			for _, t := range d.Tags() {
				touch(t, d.Number(), TagValue{TimeStr: timeStr})
			}
			touch("_all", d.Number(), TagValue{TimeStr: timeStr})
			for t := range changes.TagsRemoved {
				touch(t, d.Number(), TagValue{Tombstone: true})
			}
		} else {
			for t := range changes.TagsAdded {
				touch(t, d.Number(), TagValue{TimeStr: timeStr})
			}
			for t := range changes.TagsRemoved {
				touch(t, d.Number(), TagValue{Tombstone: true})
			}
		}

		for _, n := range d.Attachments() {
			f, ok := changes.Files[n]
			if !ok {
				continue
			}
			h.attaches = append(h.attaches, entry.AttachRef{
				Entry: d.Number(), Attach: n, Hash: f.Hash,
			})
		}
	}

	h.entryMax = entryMax
	h.invalidate()

	return delta, nil
}

// Next produces the successor of a loaded history: bumps the history
// number, sets Previous to self's hash, and calls Process.
func (h *History) Next(user string, drafts []*entry.Entry, when time.Time, clock entry.Clock,
	prior map[uint64]PriorEntryTags) (*History, TagDelta, error) {
	selfHash, err := h.Hash()
	if err != nil {
		return nil, nil, err
	}
	next := New(h.jacket)
	delta, err := next.Process(h.number+1, selfHash, h.entryMax, user, drafts, when, clock, prior)
	if err != nil {
		return nil, nil, err
	}
	return next, delta, nil
}

// Canonical returns the canonical byte encoding (spec.md §6.1).
func (h *History) Canonical() ([]byte, error) {
	if !h.numberSet {
		return nil, errs.Sanity("history has no number assigned")
	}
	if h.canonical != nil {
		return h.canonical, nil
	}
	b, err := h.encode()
	if err != nil {
		return nil, err
	}
	h.canonical = b
	return b, nil
}

// Hash returns SHA-256 of the canonical encoding.
func (h *History) Hash() (string, error) {
	if h.hash != "" {
		return h.hash, nil
	}
	b, err := h.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	h.hash = hex.EncodeToString(sum[:])
	return h.hash, nil
}

func (h *History) encode() ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "jckt %s\n", h.jacket)
	fmt.Fprintf(&b, "hist %d\n", h.number)
	fmt.Fprintf(&b, "emax %d\n", h.entryMax)
	fmt.Fprintf(&b, "time %s\n", h.timeVal.Format(TimeLayout))
	fmt.Fprintf(&b, "prev %s\n", h.previous)
	fmt.Fprintf(&b, "user %s\n", h.user)
	for _, e := range h.entries {
		fmt.Fprintf(&b, "entr %d %d %s\n", e.Entry, e.Revision, e.Hash)
	}
	for _, a := range h.attaches {
		fmt.Fprintf(&b, "atch %d %d %s\n", a.Entry, a.Attach, a.Hash)
	}
	return []byte(b.String()), nil
}

func checkUser(user string) error {
	n := len(user)
	if n < 1 || n > MaxUser {
		return errs.Limitsf("user must be 1..%d bytes, got %d", MaxUser, n)
	}
	for _, r := range user {
		if unicode.IsControl(r) {
			return errs.Limits("user contains a control character")
		}
	}
	return nil
}
