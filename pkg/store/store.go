// Package store implements the content-addressed item store abstraction
// (spec.md §3.5, §4.1): a mapping from (kind, 64-hex id) to an opaque byte
// blob, backed by either a local file system (§6.3) or a remote HTTP
// object store (§6.4).
package store

import (
	"io"

	"github.com/g4field/sgfa/pkg/errs"
)

// Kind identifies what an item contains. The byte value doubles as the
// on-disk/on-key suffix character spec.md §6.3/§6.4 specify.
type Kind byte

const (
	KindHistory Kind = 'h'
	KindEntry   Kind = 'e'
	KindFile    Kind = 'f'
)

func (k Kind) String() string {
	switch k {
	case KindHistory:
		return "history"
	case KindEntry:
		return "entry"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// valid reports whether k is one of the three known kinds.
func (k Kind) valid() bool {
	return k == KindHistory || k == KindEntry || k == KindFile
}

// Temp is a writable scratch blob backed by the same medium as the store
// it came from, so that Write can install it atomically (spec.md §4.1).
// Ownership transfers to the store on a successful Write; callers must not
// reuse a Temp afterward. If a Temp is abandoned (never passed to Write),
// callers must call Close to release its resources.
type Temp interface {
	io.Writer
	io.Closer
}

// Store is the content-addressed (kind, id) -> bytes mapping spec.md §3.5
// describes, implemented by a local file-system backend and a remote HTTP
// object-store backend.
type Store interface {
	// Read opens the blob at (kind, id). Missing blobs return an
	// errs.NonExistent error (spec.md §4.1: "missing item -> absent
	// sentinel, not a [transient] error"); any other I/O failure is
	// returned as an errs.Corrupt error wrapping the backend's native
	// error, not as the bare native error.
	Read(kind Kind, id string) (io.ReadCloser, error)

	// Temp creates a scratch blob on the store's own medium.
	Temp() (Temp, error)

	// Write installs t's contents at (kind, id), consuming t. Idempotent
	// under identical content; never tombstones id on failure.
	Write(kind Kind, id string, t Temp) error

	// Delete removes (kind, id), reporting whether it existed.
	Delete(kind Kind, id string) (bool, error)

	// Size probes for presence, returning the blob's length. Missing
	// blobs return an errs.NonExistent error so callers can use it as a
	// pure presence probe during backup (spec.md §4.10/§4.11 "stat").
	Size(kind Kind, id string) (int64, error)
}

func checkID(id string) error {
	if len(id) != 64 {
		return errs.Sanityf("store: id must be 64 hex chars, got %d", len(id))
	}
	for _, r := range id {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return errs.Sanityf("store: id contains non-hex byte %q", r)
		}
	}
	return nil
}

func checkKind(kind Kind) error {
	if !kind.valid() {
		return errs.Sanityf("store: unknown kind %q", byte(kind))
	}
	return nil
}

// Copy streams src's blob for (kind, id) into dst via a Temp. Used by the
// backup push/pull paths (spec.md §4.10, §4.11) to move a blob between two
// Store implementations without buffering the whole thing in memory twice.
func Copy(dst Store, src Store, kind Kind, id string) error {
	r, err := src.Read(kind, id)
	if err != nil {
		return err
	}
	defer r.Close()

	t, err := dst.Temp()
	if err != nil {
		return err
	}
	if _, err := io.Copy(t, r); err != nil {
		t.Close()
		return errs.Wrap("store: copy into temp", err)
	}
	return dst.Write(kind, id, t)
}
