package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/g4field/sgfa/pkg/errs"
)

// Remote is the object-store item-store backend (spec.md §6.4): blobs are
// keyed by <prefix><64-hex-id>-<kind-suffix> and moved with standard
// PUT/GET/HEAD/DELETE requests.
type Remote struct {
	base   string
	prefix string
	client *http.Client
}

// NewRemote constructs a Remote store rooted at baseURL (no trailing
// slash). prefix is prepended to every key, letting one bucket host
// multiple jackets' blobs side by side.
func NewRemote(baseURL, prefix string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{base: baseURL, prefix: prefix, client: client}
}

func (r *Remote) key(kind Kind, id string) string {
	return fmt.Sprintf("%s%s-%s", r.prefix, id, kindSuffix(kind))
}

func kindSuffix(k Kind) string {
	switch k {
	case KindHistory:
		return "h"
	case KindEntry:
		return "e"
	case KindFile:
		return "f"
	default:
		return "?"
	}
}

func (r *Remote) url(kind Kind, id string) string {
	return r.base + "/" + r.key(kind, id)
}

// remoteTemp buffers a blob in memory until Write PUTs it; object stores
// offer no local scratch medium to link from, so the round trip to the
// destination happens entirely inside Write.
type remoteTemp struct {
	buf bytes.Buffer
}

func (t *remoteTemp) Write(p []byte) (int, error) { return t.buf.Write(p) }
func (t *remoteTemp) Close() error                { return nil }

// Temp implements Store.
func (r *Remote) Temp() (Temp, error) {
	return &remoteTemp{}, nil
}

// Read implements Store.
func (r *Remote) Read(kind Kind, id string) (io.ReadCloser, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, r.url(kind, id), nil)
	if err != nil {
		return nil, errs.Wrap("store: build GET request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errs.Wrap("store: GET request failed", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errs.NonExistentf("store: %s %s not found", kind, id)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.Corruptf("store: GET %s returned status %d", r.url(kind, id), resp.StatusCode)
	}
	return resp.Body, nil
}

// Write implements Store.
func (r *Remote) Write(kind Kind, id string, t Temp) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if err := checkID(id); err != nil {
		return err
	}
	rt, ok := t.(*remoteTemp)
	if !ok {
		return errs.Sanity("store: temp handle was not created by this remote store")
	}

	req, err := http.NewRequest(http.MethodPut, r.url(kind, id), bytes.NewReader(rt.buf.Bytes()))
	if err != nil {
		return errs.Wrap("store: build PUT request", err)
	}
	req.ContentLength = int64(rt.buf.Len())
	resp, err := r.client.Do(req)
	if err != nil {
		return errs.Wrap("store: PUT request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errs.Corruptf("store: PUT %s returned status %d", r.url(kind, id), resp.StatusCode)
	}
	return nil
}

// Delete implements Store.
func (r *Remote) Delete(kind Kind, id string) (bool, error) {
	if err := checkKind(kind); err != nil {
		return false, err
	}
	if err := checkID(id); err != nil {
		return false, err
	}
	req, err := http.NewRequest(http.MethodDelete, r.url(kind, id), nil)
	if err != nil {
		return false, errs.Wrap("store: build DELETE request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, errs.Wrap("store: DELETE request failed", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errs.Corruptf("store: DELETE %s returned status %d", r.url(kind, id), resp.StatusCode)
	}
}

// Size implements Store.
func (r *Remote) Size(kind Kind, id string) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	if err := checkID(id); err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodHead, r.url(kind, id), nil)
	if err != nil {
		return 0, errs.Wrap("store: build HEAD request", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, errs.Wrap("store: HEAD request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, errs.NonExistentf("store: %s %s not found", kind, id)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, errs.Corruptf("store: HEAD %s returned status %d", r.url(kind, id), resp.StatusCode)
	}
	return resp.ContentLength, nil
}
