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
	"fmt"
	"os"
)

// File is a single open pack file plus the set of active mmap windows a
// Cache has created over it. A File is only ever mutated while the owning
// Cache's mutex is held.
type File struct {
	fd      *os.File
	path    string
	size    int64
	windows []*Window
}

// OpenFile opens path for reading and stats it. The returned File has no
// windows until Open is called on it through a Cache.
func OpenFile(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mwindow: open %s: %w", path, err)
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mwindow: stat %s: %w", path, err)
	}
	return &File{fd: fd, path: path, size: info.Size()}, nil
}

// Path returns the path the File was opened from.
func (f *File) Path() string {
	return f.path
}

// Size returns the file's size as of OpenFile.
func (f *File) Size() int64 {
	return f.size
}

// Close closes the underlying file descriptor. The caller must have
// already deregistered f from every Cache that knows about it (so that no
// windows remain mapped); Close does not do this itself.
func (f *File) Close() error {
	return f.fd.Close()
}

// Window is a single memory-mapped slice of a File. The unit of the LRU
// cache: eviction and mapping happen at window granularity, not at the
// granularity of individual reads.
type Window struct {
	baseOffset int64
	data       []byte
	inuse      uint32
	lastUsed   uint64
}

// contains reports whether the window's mapped range covers
// [offset, offset+extra).
func (w *Window) contains(offset, extra int64) bool {
	return offset >= w.baseOffset && offset+extra <= w.baseOffset+int64(len(w.data))
}

// Cursor tracks the window most recently returned by Cache.Open for one
// logical reader. Its zero value is a valid, empty cursor. A Cursor must
// not be used concurrently from multiple goroutines, and must eventually
// be passed to Cache.Release to avoid pinning a window in memory forever.
type Cursor struct {
	file   *File
	window *Window
}
