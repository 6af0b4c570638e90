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

package midx

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/gg-midx/midx/fsutil"
	"github.com/gg-midx/midx/mwindow"
	"github.com/gg-midx/midx/packidx"
)

// midxFileMode is the permission the committed multi-pack-index file is
// written with: read-only, since nothing should mutate it in place.
const midxFileMode = 0444

// Writer accumulates contributing pack ".idx" files and produces a
// multi-pack-index from their combined entries, per spec §4.5.
type Writer struct {
	packDir  string
	runtime  *mwindow.Runtime
	packs    []*mwindow.PackFile
	names    []string

	// Warnf, if non-nil, is called with a formatted message whenever Dump
	// collapses two entries that share an object ID but disagree on pack
	// or offset (see spec §9's duplicate-entry design note).
	Warnf func(format string, args ...interface{})
}

// New creates a writer that will contribute packs found under packDir (an
// absolute or relative path; redundant separators are collapsed) and that
// enumerates their entries through rt.
func New(packDir string, rt *mwindow.Runtime) *Writer {
	return &Writer{
		packDir: fsutil.NormalizeDir(packDir),
		runtime: rt,
	}
}

// Add resolves idxPath relative to the writer's pack directory (unless
// already absolute), obtains a reference to it through the runtime's
// PackFileRegistry, and appends it to the writer's pack list.
func (w *Writer) Add(idxPath string) error {
	resolved := idxPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(w.packDir, idxPath)
	}
	name := filepath.Base(resolved)
	if filepath.Ext(name) != ".idx" {
		return fmt.Errorf("multi-pack-index: add %s: packfile index must have a .idx name", idxPath)
	}
	pf, err := w.runtime.Registry.Get(resolved)
	if err != nil {
		return fmt.Errorf("multi-pack-index: add %s: %w", idxPath, err)
	}
	w.packs = append(w.packs, pf)
	w.names = append(w.names, name)
	return nil
}

// Dump produces the multi-pack-index bytes into out, per spec §4.2. On
// any failure out may hold a partial write; the caller should discard it.
func (w *Writer) Dump(out io.Writer) error {
	order := make([]int, len(w.names))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return w.names[order[i]] < w.names[order[j]] })

	names := make([]string, len(order))
	var entries []Entry
	for newIndex, oldIndex := range order {
		name := w.names[oldIndex]
		names[newIndex] = name
		pf := w.packs[oldIndex]
		packIndex := uint32(newIndex)
		if err := pf.EnumerateEntries(func(e packidx.Entry) error {
			entries = append(entries, Entry{OID: e.OID, PackIndex: packIndex, Offset: e.Offset})
			return nil
		}); err != nil {
			return fmt.Errorf("multi-pack-index: dump: enumerate %s: %w", name, err)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].OID[:], entries[j].OID[:]) < 0
	})
	deduped := entries[:0]
	for _, e := range entries {
		if len(deduped) > 0 && deduped[len(deduped)-1].OID == e.OID {
			if w.Warnf != nil {
				w.Warnf("multi-pack-index: duplicate object id %v (keeping first occurrence, from %s)", e.OID, names[deduped[len(deduped)-1].PackIndex])
			}
			continue
		}
		deduped = append(deduped, e)
	}

	data, err := Encode(names, deduped)
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("multi-pack-index: dump: %w", err)
	}
	return nil
}

// Commit dumps the writer's contents and atomically replaces
// <pack_dir>/multi-pack-index with them.
func (w *Writer) Commit() error {
	buf := new(bytes.Buffer)
	if err := w.Dump(buf); err != nil {
		return err
	}
	path := filepath.Join(w.packDir, "multi-pack-index")
	if err := fsutil.WriteFileAtomic(path, buf.Bytes(), midxFileMode); err != nil {
		return fmt.Errorf("multi-pack-index: commit: %w", err)
	}
	return nil
}

// Free releases the writer's references to every pack it holds. The
// writer must not be used afterward.
func (w *Writer) Free() {
	for _, pf := range w.packs {
		w.runtime.Registry.Put(pf)
	}
	w.packs = nil
	w.names = nil
}
