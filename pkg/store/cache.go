package store

import (
	"bytes"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/g4field/sgfa/pkg/errs"
)

// cacheKey identifies one cached blob.
type cacheKey struct {
	kind Kind
	id   string
}

// Cached wraps a Store with a bounded in-memory read-through cache, the
// way good-night-oppie-helios's BLAKE3Store layers an LRU in front of its
// disk blobs. Reads populate the cache; writes and deletes invalidate it
// so a cache hit never outlives the blob it mirrors.
type Cached struct {
	inner Store
	cache *lru.Cache[cacheKey, []byte]
}

// NewCached wraps inner with an LRU cache holding up to size blobs.
func NewCached(inner Store, size int) (*Cached, error) {
	c, err := lru.New[cacheKey, []byte](size)
	if err != nil {
		return nil, errs.Wrap("store: create LRU cache", err)
	}
	return &Cached{inner: inner, cache: c}, nil
}

// Read implements Store. Attachment blobs (KindFile) bypass the cache
// entirely: they can be arbitrarily large and spec.md §4.8 requires
// read_attach to never be served from cache.
func (c *Cached) Read(kind Kind, id string) (io.ReadCloser, error) {
	if kind == KindFile {
		return c.inner.Read(kind, id)
	}

	key := cacheKey{kind, id}
	if b, ok := c.cache.Get(key); ok {
		return io.NopCloser(bytes.NewReader(b)), nil
	}

	r, err := c.inner.Read(kind, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap("store: buffer cached read", err)
	}
	c.cache.Add(key, b)
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Temp implements Store.
func (c *Cached) Temp() (Temp, error) { return c.inner.Temp() }

// Write implements Store.
func (c *Cached) Write(kind Kind, id string, t Temp) error {
	if err := c.inner.Write(kind, id, t); err != nil {
		return err
	}
	c.cache.Remove(cacheKey{kind, id})
	return nil
}

// Delete implements Store.
func (c *Cached) Delete(kind Kind, id string) (bool, error) {
	existed, err := c.inner.Delete(kind, id)
	c.cache.Remove(cacheKey{kind, id})
	return existed, err
}

// Size implements Store.
func (c *Cached) Size(kind Kind, id string) (int64, error) {
	return c.inner.Size(kind, id)
}
