// Package jacket implements the top-level filing-cabinet object: it owns
// the lock, the state index and the item store for one jacket, and
// drives the write/read/validate/backup protocols that tie the entry,
// history and state packages together (spec.md §3.1, §4.6-§4.12).
package jacket

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
	"github.com/g4field/sgfa/pkg/history"
	"github.com/g4field/sgfa/pkg/ident"
	"github.com/g4field/sgfa/pkg/lock"
	"github.com/g4field/sgfa/pkg/metrics"
	"github.com/g4field/sgfa/pkg/state"
	"github.com/g4field/sgfa/pkg/store"
)

const (
	// MaxIDText is the maximum length of a jacket's id_text (spec.md §3.1).
	MaxIDText = 128

	infoFile  = "jacket.info"
	stateDir  = "state"
	infoVer   = "1"
)

// Sink receives progress and error lines from Validate, BackupPush and
// BackupPull (spec.md §7: "the core performs no logging except in
// validate and backup/restore where a sink is passed in").
type Sink interface {
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// discardSink is used when a caller passes no Sink.
type discardSink struct{}

func (discardSink) Info(string)  {}
func (discardSink) Warn(string)  {}
func (discardSink) Error(string) {}

// Config configures a Jacket at Create/Open time. Dir holds the jacket's
// own files (the lock/info sentinel and the state index); Store is the
// content-addressed backend for history/entry/attachment blobs, injected
// by the caller so local and remote backends are interchangeable (spec.md
// §9: "per-backend polymorphism... inject at construction").
type Config struct {
	Dir   string
	Store store.Store

	// Clock defaults to time.Now when nil (spec.md §9: "make the clock
	// injectable for deterministic tests").
	Clock entry.Clock

	// CacheSize, if positive, wraps Store in a read-through LRU cache of
	// that many entries (store.NewCached). Attachment blobs are never
	// cached regardless of this setting.
	CacheSize int
}

// Jacket is a single open filing cabinet: one lock, one state index, one
// item store. It is not safe for concurrent use by multiple goroutines
// (spec.md §5); callers must serialize access to one Jacket externally.
//
// Per spec.md §9's open/closed design note, the zero value is never
// valid; construct with Create or Open, and treat the value returned by
// Close as the jacket's only state afterward — it has no read/write
// surface. A closed bool still guards every method as a defensive
// backstop, since Go cannot make a stale *Jacket reference unusable.
type Jacket struct {
	dir    string
	store  store.Store
	lock   *lock.Lock
	state  *state.State
	clock  entry.Clock
	idHash string
	idText string
	closed bool
}

// Closed is the inert value returned by Close. It intentionally exposes
// no methods (spec.md §9: "the closed handle has no read/write surface").
type Closed struct{}

// Create initializes a brand-new jacket directory bound to idText and
// returns it open. It fails with Conflict if the directory already holds
// a jacket.
func Create(cfg Config, idText string) (*Jacket, error) {
	if err := checkIDText(idText); err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		return nil, errs.Sanity("jacket: Config.Store is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errs.Wrap("jacket: create directory", err)
	}

	sum := sha256.Sum256([]byte(idText))
	idHash := hex.EncodeToString(sum[:])

	l, err := lock.Create(filepath.Join(cfg.Dir, infoFile))
	if err != nil {
		return nil, fmt.Errorf("jacket: create lock sentinel: %w", err)
	}
	if err := writeInfo(l.File(), idHash, idText); err != nil {
		l.Close()
		return nil, fmt.Errorf("jacket: write info blob: %w", err)
	}

	st, err := state.Create(filepath.Join(cfg.Dir, stateDir))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("jacket: create state index: %w", err)
	}

	return newJacket(cfg, l, st, idHash, idText), nil
}

// Open loads an existing jacket directory.
func Open(cfg Config) (*Jacket, error) {
	if cfg.Store == nil {
		return nil, errs.Sanity("jacket: Config.Store is required")
	}

	l, err := lock.Open(filepath.Join(cfg.Dir, infoFile))
	if err != nil {
		return nil, fmt.Errorf("jacket: open lock sentinel: %w", err)
	}
	idHash, idText, err := readInfo(l.File())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("jacket: read info blob: %w", err)
	}

	st, err := state.Open(filepath.Join(cfg.Dir, stateDir))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("jacket: open state index: %w", err)
	}

	return newJacket(cfg, l, st, idHash, idText), nil
}

func newJacket(cfg Config, l *lock.Lock, st *state.State, idHash, idText string) *Jacket {
	backing := cfg.Store
	if cfg.CacheSize > 0 {
		if cached, err := store.NewCached(backing, cfg.CacheSize); err == nil {
			backing = cached
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Jacket{
		dir:    cfg.Dir,
		store:  backing,
		lock:   l,
		state:  st,
		clock:  clock,
		idHash: idHash,
		idText: idText,
	}
}

// IDHash returns the jacket's id_hash.
func (j *Jacket) IDHash() string { return j.idHash }

// IDText returns the jacket's id_text.
func (j *Jacket) IDText() string { return j.idText }

// Close releases the jacket's lock and file handle. The returned Closed
// value has no further surface; the Jacket itself must not be used again.
func (j *Jacket) Close() (*Closed, error) {
	if j.closed {
		return nil, errs.Sanity("jacket: already closed")
	}
	j.closed = true
	if err := j.lock.Close(); err != nil {
		return nil, err
	}
	return &Closed{}, nil
}

func (j *Jacket) checkOpen() error {
	if j.closed {
		return errs.Sanity("jacket: use of a closed jacket")
	}
	return nil
}

func (j *Jacket) withShared(fn func() error) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	t := metrics.NewTimer()
	err := j.lock.WithShared(fn)
	t.ObserveDurationVec(metrics.JacketLockWaitDuration, "shared")
	return err
}

func (j *Jacket) withExclusive(fn func() error) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	t := metrics.NewTimer()
	err := j.lock.WithExclusive(fn)
	t.ObserveDurationVec(metrics.JacketLockWaitDuration, "exclusive")
	return err
}

func checkIDText(s string) error {
	n := len(s)
	if n < 1 || n > MaxIDText {
		return errs.Limitsf("id_text must be 1..%d bytes, got %d", MaxIDText, n)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return errs.Limits("id_text contains a control character")
		}
	}
	return nil
}

// writeInfo serializes the jacket info blob (spec.md §6.1: "a textual
// object with fields sgfa_jacket_ver=1, id_hash, id_text, serialized as
// pretty-printed textual object with a trailing newline") and replaces
// f's full contents with it.
func writeInfo(f *os.File, idHash, idText string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "sgfa_jacket_ver=%s\n", infoVer)
	fmt.Fprintf(&b, "id_hash=%s\n", idHash)
	fmt.Fprintf(&b, "id_text=%s\n", idText)

	if err := f.Truncate(0); err != nil {
		return errs.Wrap("jacket: truncate info file", err)
	}
	if _, err := f.WriteAt([]byte(b.String()), 0); err != nil {
		return errs.Wrap("jacket: write info file", err)
	}
	return nil
}

// readInfo parses the jacket info blob and verifies id_hash == SHA256(id_text).
func readInfo(f *os.File) (idHash, idText string, err error) {
	raw, err := io.ReadAll(f)
	if err != nil {
		return "", "", errs.Wrap("jacket: read info file", err)
	}
	body := strings.TrimSuffix(string(raw), "\n")
	if body == "" {
		return "", "", errs.Corrupt("jacket: empty info file")
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return "", "", errs.Corruptf("jacket: malformed info line %q", line)
		}
		fields[k] = v
	}

	ver, ok := fields["sgfa_jacket_ver"]
	if !ok {
		return "", "", errs.Corrupt("jacket: info missing sgfa_jacket_ver")
	}
	if ver != infoVer {
		return "", "", errs.Corruptf("jacket: unsupported sgfa_jacket_ver %q", ver)
	}

	idHash, ok = fields["id_hash"]
	if !ok || len(idHash) != 64 {
		return "", "", errs.Corrupt("jacket: info missing or malformed id_hash")
	}
	idText, ok = fields["id_text"]
	if !ok {
		return "", "", errs.Corrupt("jacket: info missing id_text")
	}

	sum := sha256.Sum256([]byte(idText))
	if hex.EncodeToString(sum[:]) != idHash {
		return "", "", errs.Corrupt("jacket: id_hash does not match SHA256(id_text)")
	}
	return idHash, idText, nil
}

func (j *Jacket) fetchEntry(e, r uint64) (*entry.Entry, error) {
	id := ident.Entry(j.idHash, e, r)
	rc, err := j.store.Read(store.KindEntry, id)
	recordRead("entry", err)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrap("jacket: read entry blob", err)
	}
	return entry.Decode(b)
}

func (j *Jacket) fetchHistory(n uint64) (*history.History, error) {
	id := ident.History(j.idHash, n)
	rc, err := j.store.Read(store.KindHistory, id)
	recordRead("history", err)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrap("jacket: read history blob", err)
	}
	return history.Decode(b)
}

func recordRead(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreReadsTotal.WithLabelValues(kind, result).Inc()
}

func (j *Jacket) putBlob(kind store.Kind, id string, b []byte) error {
	t, err := j.store.Temp()
	if err != nil {
		return err
	}
	if _, err := t.Write(b); err != nil {
		t.Close()
		return errs.Wrap("jacket: write temp blob", err)
	}
	return j.store.Write(kind, id, t)
}
