// Package entry implements the entry record: a versioned record holding
// title, body, tags and attachments (spec.md §3.2, §4.4, §6.1).
package entry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/g4field/sgfa/pkg/errs"
)

const (
	MaxTitle  = 128
	MaxBody   = 8192
	MaxTag    = 128
	MaxName   = 255
	TimeLayout = "2006-01-02 15:04:05"
)

// Clock returns the current time, injectable for deterministic tests
// (spec.md §9, "make the clock injectable").
type Clock func() time.Time

// Attachment describes one attachment slot on an entry.
type Attachment struct {
	History uint64 // history number of introduction; 0 while provisional
	Name    string
}

// Changes is the change-set returned by Update, describing how this
// finalized entry affects the jacket's tag lists (spec.md §4.4).
type Changes struct {
	TimeChanged bool
	TagsAdded   map[string]bool
	TagsRemoved map[string]bool
	// Files maps attachment number to the blob bytes and SHA-256 hash
	// that must be persisted for this write. Populated by the caller via
	// Attach/Replace and consumed by the jacket's write path.
	Files map[uint64]File
}

// File is a pending attachment blob awaiting persistence.
type File struct {
	Blob []byte
	Hash string
}

// Entry is a single revision of a versioned record. Construct with New,
// mutate with the setters, then call Update to finalize it into a
// persistable record with a stable Hash.
type Entry struct {
	jacket  string
	entry   uint64
	entrySet bool
	revision uint64
	history  uint64
	historySet bool
	attachMax uint64
	timeSet  bool
	timeVal  time.Time
	title    string
	body     string
	tags     map[string]bool
	attach   map[uint64]Attachment

	pending map[uint64]File // new/replaced attachment blobs not yet in Files

	canonical []byte
	hash      string
}

// Previous carries the information Update needs from the prior revision
// (if any) to compute the tag/time delta. Leave PrevTime empty for a
// brand-new entry.
type Previous struct {
	Tags     map[string]bool
	PrevTime string // time_str of the previous revision, "" if new
}

// New constructs an empty draft entry bound to jacket jacketHash.
func New(jacketHash string) *Entry {
	return &Entry{
		jacket: jacketHash,
		tags:   make(map[string]bool),
		attach: make(map[uint64]Attachment),
		pending: make(map[uint64]File),
	}
}

// Load reconstructs an Entry from a previously persisted revision, so the
// caller can mutate it into the next revision. revision/history/attachMax
// are carried over as given; the result is not itself a draft of the new
// revision until the caller bumps Revision and a subsequent Update assigns
// the new history number.
func Load(jacketHash string, e, revision, history, attachMax uint64, timeVal time.Time,
	title, body string, tags []string, attach map[uint64]Attachment) *Entry {
	ent := New(jacketHash)
	ent.entry = e
	ent.entrySet = true
	ent.revision = revision
	ent.history = history
	ent.historySet = true
	ent.attachMax = attachMax
	ent.timeSet = true
	ent.timeVal = timeVal
	ent.title = title
	ent.body = body
	for _, t := range tags {
		ent.tags[t] = true
	}
	for a, v := range attach {
		ent.attach[a] = v
	}
	return ent
}

func (e *Entry) invalidate() {
	e.canonical = nil
	e.hash = ""
}

// SetEntry binds the entry number. Only valid on the first write (draft
// entries with no prior revision); the jacket write path assigns this
// automatically for genuinely new entries.
func (e *Entry) SetEntry(n uint64) {
	e.entry = n
	e.entrySet = true
	e.invalidate()
}

// EntrySet reports whether the entry number has been assigned.
func (e *Entry) EntrySet() bool { return e.entrySet }

// Number returns the entry number (only meaningful if EntrySet).
func (e *Entry) Number() uint64 { return e.entry }

// Revision returns the revision this draft will become once finalized.
func (e *Entry) Revision() uint64 { return e.revision }

// Jacket returns the jacket hash this entry is bound to.
func (e *Entry) Jacket() string { return e.jacket }

// History returns the history number this revision was recorded in
// (only meaningful once set, via Update or Load).
func (e *Entry) History() uint64 { return e.history }

// SetRevision is used by the jacket write path to set the next revision
// number before calling Update.
func (e *Entry) SetRevision(r uint64) {
	e.revision = r
	e.invalidate()
}

// AttachMax returns the highest attachment number ever used.
func (e *Entry) AttachMax() uint64 { return e.attachMax }

// SetTitle validates and sets the title.
func (e *Entry) SetTitle(title string) error {
	if err := checkBytes("title", title, 1, MaxTitle, false); err != nil {
		return err
	}
	e.title = title
	e.invalidate()
	return nil
}

// Title returns the current title.
func (e *Entry) Title() string { return e.title }

// SetBody validates and sets the body.
func (e *Entry) SetBody(body string) error {
	if err := checkBytes("body", body, 1, MaxBody, true); err != nil {
		return err
	}
	e.body = body
	e.invalidate()
	return nil
}

// Body returns the current body.
func (e *Entry) Body() string { return e.body }

// SetTime sets an explicit timestamp for this revision. If never called,
// Update defaults to "now UTC" via the supplied Clock.
func (e *Entry) SetTime(t time.Time) {
	e.timeVal = t.UTC()
	e.timeSet = true
	e.invalidate()
}

// TimeSet reports whether an explicit time was set.
func (e *Entry) TimeSet() bool { return e.timeSet }

// Time returns the revision's timestamp (only meaningful once TimeSet).
func (e *Entry) Time() time.Time { return e.timeVal }

// AddTag validates, normalizes and adds a tag.
func (e *Entry) AddTag(tag string) error {
	norm, err := normalizeTag(tag)
	if err != nil {
		return err
	}
	e.tags[norm] = true
	e.invalidate()
	return nil
}

// RemoveTag removes a tag if present (normalizing first so callers can
// pass either the raw or normalized form).
func (e *Entry) RemoveTag(tag string) {
	norm, err := normalizeTag(tag)
	if err != nil {
		return
	}
	delete(e.tags, norm)
	e.invalidate()
}

// Tags returns the current tag set, sorted ascending.
func (e *Entry) Tags() []string {
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Attach assigns the next attachment number (attachMax+1) to a new blob,
// with a provisional history-of-introduction of 0 to be rewritten by
// Update (spec.md §4.4).
func (e *Entry) Attach(name string, blob []byte) (uint64, error) {
	if err := checkBytes("attachment name", name, 1, MaxName, false); err != nil {
		return 0, err
	}
	e.attachMax++
	n := e.attachMax
	e.attach[n] = Attachment{History: 0, Name: name}
	e.pending[n] = File{Blob: blob, Hash: hashBytes(blob)}
	e.invalidate()
	return n, nil
}

// RenameAttach renames an existing attachment without touching its blob
// or history-of-introduction.
func (e *Entry) RenameAttach(n uint64, name string) error {
	a, ok := e.attach[n]
	if !ok {
		return errs.NonExistentf("attachment %d does not exist", n)
	}
	if err := checkBytes("attachment name", name, 1, MaxName, false); err != nil {
		return err
	}
	a.Name = name
	e.attach[n] = a
	e.invalidate()
	return nil
}

// ReplaceAttach replaces an existing attachment's blob. Its
// history-of-introduction resets to the history number this revision is
// recorded in (spec.md §4.4: "the old blob is not retained in the entry
// record").
func (e *Entry) ReplaceAttach(n uint64, blob []byte) error {
	a, ok := e.attach[n]
	if !ok {
		return errs.NonExistentf("attachment %d does not exist", n)
	}
	a.History = 0
	e.attach[n] = a
	e.pending[n] = File{Blob: blob, Hash: hashBytes(blob)}
	e.invalidate()
	return nil
}

// DeleteAttach removes an attachment. Its number is never reused
// (attachMax is not decremented).
func (e *Entry) DeleteAttach(n uint64) error {
	if _, ok := e.attach[n]; !ok {
		return errs.NonExistentf("attachment %d does not exist", n)
	}
	delete(e.attach, n)
	delete(e.pending, n)
	e.invalidate()
	return nil
}

// Attachments returns the current attachment numbers, ascending.
func (e *Entry) Attachments() []uint64 {
	out := make([]uint64, 0, len(e.attach))
	for n := range e.attach {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Attachment returns the attachment record for n.
func (e *Entry) Attachment(n uint64) (Attachment, bool) {
	a, ok := e.attach[n]
	return a, ok
}

// PendingFiles returns the blobs awaiting persistence for this draft,
// keyed by attachment number. The jacket write path calls this before
// Update (which clears pending) so it can persist the bytes once the
// entry and history numbers are finalized.
func (e *Entry) PendingFiles() map[uint64]File {
	out := make(map[uint64]File, len(e.pending))
	for n, f := range e.pending {
		out[n] = f
	}
	return out
}

// Update finalizes the draft: assigns history, defaults time to "now
// UTC" if unset, and returns the change-set the jacket uses to drive
// persistence (spec.md §4.4). prev describes the entry's prior revision,
// or a zero Previous{} for a brand-new entry.
func (e *Entry) Update(history uint64, clock Clock, prev Previous) (Changes, error) {
	if !e.entrySet {
		return Changes{}, errs.Sanity("cannot update an entry with no number assigned")
	}
	if e.revision == 0 {
		return Changes{}, errs.Sanity("cannot update an entry with no revision assigned")
	}

	if !e.timeSet {
		if clock == nil {
			clock = time.Now
		}
		e.timeVal = clock().UTC()
		e.timeSet = true
	}

	timeChanged := prev.PrevTime == "" || prev.PrevTime != e.timeVal.Format(TimeLayout)

	e.history = history
	e.historySet = true

	added := make(map[string]bool)
	removed := make(map[string]bool)
	for t := range e.tags {
		if !prev.Tags[t] {
			added[t] = true
		}
	}
	for t := range prev.Tags {
		if !e.tags[t] {
			removed[t] = true
		}
	}

	for n, a := range e.attach {
		if a.History == 0 {
			a.History = history
			e.attach[n] = a
		}
	}

	files := make(map[uint64]File, len(e.pending))
	for n, f := range e.pending {
		files[n] = f
	}
	e.pending = make(map[uint64]File)

	e.invalidate()

	return Changes{
		TimeChanged: timeChanged,
		TagsAdded:   added,
		TagsRemoved: removed,
		Files:       files,
	}, nil
}

// Canonical returns the canonical byte encoding. Only valid once History
// is set (via Update).
func (e *Entry) Canonical() ([]byte, error) {
	if !e.historySet {
		return nil, errs.Sanity("entry has no history assigned; call Update first")
	}
	if e.canonical != nil {
		return e.canonical, nil
	}
	b, err := e.encode()
	if err != nil {
		return nil, err
	}
	e.canonical = b
	return b, nil
}

// Hash returns SHA-256 of the canonical encoding.
func (e *Entry) Hash() (string, error) {
	if e.hash != "" {
		return e.hash, nil
	}
	b, err := e.Canonical()
	if err != nil {
		return "", err
	}
	e.hash = hashBytes(b)
	return e.hash, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (e *Entry) encode() ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "jckt %s\n", e.jacket)
	fmt.Fprintf(&b, "entr %d\n", e.entry)
	fmt.Fprintf(&b, "revn %d\n", e.revision)
	fmt.Fprintf(&b, "hist %d\n", e.history)
	fmt.Fprintf(&b, "amax %d\n", e.attachMax)
	fmt.Fprintf(&b, "time %s\n", e.timeVal.Format(TimeLayout))
	fmt.Fprintf(&b, "titl %s\n", e.title)

	tags := e.Tags()
	for _, t := range tags {
		fmt.Fprintf(&b, "tags %s\n", t)
	}

	attachNums := e.Attachments()
	for _, n := range attachNums {
		a := e.attach[n]
		fmt.Fprintf(&b, "atch %d %d %s\n", n, a.History, a.Name)
	}

	b.WriteByte('\n')
	b.WriteString(e.body)

	return []byte(b.String()), nil
}

func checkBytes(field, s string, min, max int, allowWhitespace bool) error {
	n := len(s)
	if n < min || n > max {
		return errs.Limitsf("%s must be %d..%d bytes, got %d", field, min, max, n)
	}
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			if allowWhitespace {
				continue
			}
			return errs.Limitsf("%s contains a control character", field)
		}
		if unicode.IsControl(r) {
			return errs.Limitsf("%s contains a control character", field)
		}
		if !allowWhitespace && !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return errs.Limitsf("%s contains a non-printable character", field)
		}
	}
	return nil
}

func normalizeTag(tag string) (string, error) {
	if len(tag) == 0 || len(tag) > MaxTag {
		return "", errs.Limitsf("tag must be 1..%d bytes, got %d", MaxTag, len(tag))
	}
	if strings.HasPrefix(tag, "_") {
		return "", errs.Limits("tag must not start with an underscore")
	}
	for _, r := range tag {
		if unicode.IsControl(r) {
			return "", errs.Limits("tag contains a control character")
		}
		switch r {
		case '/', '\\', '*', '?':
			return "", errs.Limitsf("tag must not contain %q", r)
		}
	}
	if idx := strings.IndexByte(tag, ':'); idx >= 0 {
		prefix := strings.TrimSpace(tag[:idx])
		suffix := strings.TrimSpace(tag[idx+1:])
		norm := prefix + ": " + suffix
		if len(norm) == 0 || len(norm) > MaxTag {
			return "", errs.Limitsf("tag must be 1..%d bytes, got %d", MaxTag, len(norm))
		}
		return norm, nil
	}
	return tag, nil
}

// EntryRef is one (entry, revision, hash) tuple as recorded in a history
// record's entries list.
type EntryRef struct {
	Entry    uint64
	Revision uint64
	Hash     string
}

// AttachRef is one (entry, attach, hash) tuple as recorded in a history
// record's attachments list.
type AttachRef struct {
	Entry  uint64
	Attach uint64
	Hash   string
}
