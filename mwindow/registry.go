// Copyright 2024 The gg-midx Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package mwindow

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/gg-midx/midx/packidx"
)

// PackFileRegistry is a process-wide, reference-counted map from canonical
// pack-index path to an open PackFile. It shares its Cache's mutex, so a
// file's refcount and its set of mapped windows are guarded by the same
// lock (though Get and Put update them in separate critical sections).
type PackFileRegistry struct {
	cache  *Cache
	byPath map[string]*registryEntry
}

type registryEntry struct {
	file *PackFile
	refs int
}

// NewPackFileRegistry returns a registry that maps its files through
// cache.
func NewPackFileRegistry(cache *Cache) *PackFileRegistry {
	return &PackFileRegistry{cache: cache, byPath: make(map[string]*registryEntry)}
}

// PackFile is one entry in a PackFileRegistry: an open ".idx" file plus the
// mwindow.File used to map it.
type PackFile struct {
	registry *PackFileRegistry
	path     string
	file     *File
}

// Path returns the canonical path the PackFile was opened from.
func (pf *PackFile) Path() string {
	return pf.path
}

// Get returns the PackFile for path, opening and registering it with the
// registry's Cache if this is the first reference, or bumping its
// reference count if another caller already holds it. Every successful
// call to Get must be balanced by exactly one call to Put.
func (r *PackFileRegistry) Get(path string) (*PackFile, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("mwindow: registry get %s: %w", path, err)
	}

	r.cache.mu.Lock()
	if e, ok := r.byPath[abs]; ok {
		e.refs++
		r.cache.mu.Unlock()
		return e.file, nil
	}
	r.cache.mu.Unlock()

	f, err := OpenFile(abs)
	if err != nil {
		return nil, err
	}
	if err := r.cache.RegisterFile(f); err != nil {
		f.Close()
		return nil, err
	}
	pf := &PackFile{registry: r, path: abs, file: f}

	r.cache.mu.Lock()
	if e, ok := r.byPath[abs]; ok {
		// Lost a race with another caller between the unlock above and
		// here; use theirs and undo our own registration.
		e.refs++
		r.cache.mu.Unlock()
		r.cache.DeregisterFile(f)
		f.Close()
		return e.file, nil
	}
	r.byPath[abs] = &registryEntry{file: pf, refs: 1}
	r.cache.mu.Unlock()
	return pf, nil
}

// Put releases one reference to pf. Once the last reference is released,
// all of pf's mapped windows are unmapped and its file descriptor is
// closed.
func (r *PackFileRegistry) Put(pf *PackFile) {
	r.cache.mu.Lock()
	e, ok := r.byPath[pf.path]
	if !ok {
		r.cache.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.cache.mu.Unlock()
		return
	}
	delete(r.byPath, pf.path)
	r.cache.mu.Unlock()

	r.cache.DeregisterFile(pf.file)
	pf.file.Close()
}

// EnumerateEntries reads pf's full ".idx" contents through the registry's
// Cache — exercising the same window-mapping and eviction machinery used
// for random-access pack reads, rather than a plain os.ReadFile — parses
// them, and calls cb once per (object ID, offset) entry in OID order. It
// stops and returns cb's error as soon as cb returns a non-nil one.
func (pf *PackFile) EnumerateEntries(cb func(packidx.Entry) error) error {
	var cur Cursor
	data, err := pf.registry.cache.Open(pf.file, 0, pf.file.size, &cur)
	if err != nil {
		return fmt.Errorf("mwindow: enumerate %s: %w", pf.path, err)
	}
	defer pf.registry.cache.Release(&cur)

	idx, err := packidx.ReadIndex(bytes.NewReader(data[:pf.file.size]))
	if err != nil {
		return fmt.Errorf("mwindow: enumerate %s: %w", pf.path, err)
	}
	return idx.EnumerateEntries(cb)
}
