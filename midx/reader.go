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
	"os"

	"github.com/gg-midx/midx/githash"
)

// Reader holds a multi-pack-index mapped directly into memory (not
// through mwindow.Cache — per spec §1 the reader uses a simpler direct
// mmap of the MIDX file itself, since there is exactly one file and its
// whole contents, not a sliding window over a much larger pack, are
// needed).
type Reader struct {
	path string
	data []byte
	file *File
}

// Open mmaps path and parses it as a multi-pack-index. On any failure no
// resource is leaked: the mapping, if created, is released before Open
// returns.
func Open(path string) (*Reader, error) {
	data, err := mmapWholeFile(path)
	if err != nil {
		return nil, fmt.Errorf("multi-pack-index: open %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		munmapFile(data)
		return nil, fmt.Errorf("multi-pack-index: open %s: %w", path, err)
	}
	return &Reader{path: path, data: data, file: f}, nil
}

// Close unmaps the reader's backing memory. Find and PackfileNames must
// not be called afterward.
func (r *Reader) Close() error {
	return munmapFile(r.data)
}

// PackfileNames returns the ordered list of packfile ".idx" names the
// multi-pack-index indexes into.
func (r *Reader) PackfileNames() []string {
	return r.file.PackfileNames
}

// NumObjects returns the number of objects indexed.
func (r *Reader) NumObjects() int {
	return r.file.NumObjects
}

// Find implements spec §4.3: it returns the unique entry whose object ID
// agrees with prefix in its first nibbles hex nibbles, ErrNotFound if none
// does, or ErrAmbiguous if more than one does.
func (r *Reader) Find(prefix githash.SHA1, nibbles int) (Entry, error) {
	return r.file.find(prefix, nibbles)
}

// NeedsRefresh implements spec §4.4: it reports whether the on-disk file
// this Reader was opened from has since changed — because it can no
// longer be stat'd, is no longer a regular file, has a different size, or
// has a different trailing digest — meaning a fresh Open is needed to see
// current data.
func (r *Reader) NeedsRefresh() bool {
	info, err := os.Stat(r.path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}
	if info.Size() != int64(len(r.data)) {
		return true
	}
	f, err := os.Open(r.path)
	if err != nil {
		return true
	}
	defer f.Close()
	var buf [trailerSize]byte
	if _, err := f.ReadAt(buf[:], info.Size()-trailerSize); err != nil {
		return true
	}
	return !bytes.Equal(buf[:], r.file.Checksum[:])
}
