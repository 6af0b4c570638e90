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
	"errors"
	"fmt"
)

// RegisterFile adds f to the cache's file list, evicting the
// least-recently-used file first if fileLimit would otherwise be exceeded.
// It returns an error only if the file limit is already exhausted by files
// that each have at least one window in use.
func (c *Cache) RegisterFile(f *File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fileLimit > 0 && len(c.files) >= c.fileLimit {
		if !c.closeLRUFileLocked() {
			return errors.New("mwindow: register file: file limit reached and no file can be evicted")
		}
	}
	c.files = append(c.files, f)
	return nil
}

// DeregisterFile unmaps every window belonging to f and removes f from the
// cache's file list. It panics if any of f's windows are still checked out
// through a live Cursor; callers are expected to have released every
// cursor referencing f first.
func (c *Cache) DeregisterFile(f *File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeAllLocked(f)
	for i, candidate := range c.files {
		if candidate == f {
			c.files = append(c.files[:i], c.files[i+1:]...)
			break
		}
	}
}

// freeAllLocked unmaps every window of f. mu must be held.
func (c *Cache) freeAllLocked(f *File) {
	for _, w := range f.windows {
		if w.inuse != 0 {
			panic("mwindow: freeAll called on a file with a window still in use")
		}
		if err := munmap(w.data); err != nil {
			panic(fmt.Sprintf("mwindow: munmap: %v", err))
		}
		c.mappedBytes -= int64(len(w.data))
		c.openWindows--
	}
	f.windows = nil
}

// Open returns a byte slice covering at least [offset, offset+extra) of f,
// reusing cur's current window when it already covers that range. The
// returned slice extends to the end of whichever window was mapped or
// reused, so callers may address bytes past offset+extra without a second
// call as long as they stay within the returned slice's length.
//
// Open pins the window it returns by incrementing its use count; the
// caller must call Release(cur) once it is done addressing the returned
// bytes, and must not retain the slice afterward.
func (c *Cache) Open(f *File, offset, extra int64, cur *Cursor) ([]byte, error) {
	if offset < 0 || extra < 0 || offset+extra > f.size {
		return nil, fmt.Errorf("mwindow: open %s: range [%d, %d) out of bounds (size %d)", f.path, offset, offset+extra, f.size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur.window != nil && cur.file == f && cur.window.contains(offset, extra) {
		cur.window.lastUsed = c.nextUsedLocked()
		return cur.window.data[offset-cur.window.baseOffset:], nil
	}
	if cur.window != nil {
		cur.window.inuse--
		cur.window = nil
		cur.file = nil
	}

	for _, w := range f.windows {
		if w.contains(offset, extra) {
			w.inuse++
			w.lastUsed = c.nextUsedLocked()
			cur.file = f
			cur.window = w
			return w.data[offset-w.baseOffset:], nil
		}
	}

	w, err := c.newWindowLocked(f, offset, extra)
	if err != nil {
		return nil, err
	}
	cur.file = f
	cur.window = w
	return w.data[offset-w.baseOffset:], nil
}

// Release unpins the window cur currently holds, if any, making it
// eligible for eviction once no other cursor references it. Release is a
// no-op on an empty cursor and may be called more than once.
func (c *Cache) Release(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur.window == nil {
		return
	}
	cur.window.inuse--
	cur.window = nil
	cur.file = nil
}

// nextUsedLocked returns a strictly increasing counter used to order
// windows by recency. mu must be held.
func (c *Cache) nextUsedLocked() uint64 {
	c.usedCtr++
	return c.usedCtr
}

// newWindowLocked maps a new window of f covering [offset, offset+extra),
// evicting other windows first if needed to respect mappedLimit. base is
// aligned down to a multiple of half the window size, which NewCache
// guarantees is itself a multiple of the OS page size, satisfying mmap(2)'s
// requirement that its offset argument be page-aligned. mu must be held.
func (c *Cache) newWindowLocked(f *File, offset, extra int64) (*Window, error) {
	half := c.windowSize / 2
	if half <= 0 {
		half = 1
	}
	base := (offset / half) * half
	length := c.windowSize
	if need := offset + extra - base; length < need {
		length = need
	}
	if base+length > f.size {
		length = f.size - base
	}

	for c.mappedLimit > 0 && c.mappedBytes+length > c.mappedLimit {
		if !c.closeLRUWindowLocked() {
			break
		}
	}

	data, err := mmapReadOnly(f.fd, base, length)
	if err != nil {
		// Try to make room by evicting everything evictable, then retry
		// once before giving up.
		for c.closeLRUWindowLocked() {
		}
		data, err = mmapReadOnly(f.fd, base, length)
		if err != nil {
			return nil, fmt.Errorf("mwindow: map %s at %d: %w", f.path, base, err)
		}
	}

	w := &Window{baseOffset: base, data: data, inuse: 1, lastUsed: c.nextUsedLocked()}
	f.windows = append(f.windows, w)
	c.mappedBytes += length
	c.openWindows++
	if c.mappedBytes > c.peakMappedBytes {
		c.peakMappedBytes = c.mappedBytes
	}
	if c.openWindows > c.peakOpenWindows {
		c.peakOpenWindows = c.openWindows
	}
	return w, nil
}

// closeLRUWindowLocked finds the single unused window across all
// registered files with the smallest lastUsed value, unmaps it, and
// removes it from its file's window list. It reports whether a window was
// found. mu must be held.
func (c *Cache) closeLRUWindowLocked() bool {
	var victimFile *File
	var victimIdx int = -1
	var victimLastUsed uint64

	for _, f := range c.files {
		for i, w := range f.windows {
			if w.inuse != 0 {
				continue
			}
			if victimIdx == -1 || w.lastUsed < victimLastUsed {
				victimFile, victimIdx, victimLastUsed = f, i, w.lastUsed
			}
		}
	}
	if victimIdx == -1 {
		return false
	}

	w := victimFile.windows[victimIdx]
	if err := munmap(w.data); err != nil {
		panic(fmt.Sprintf("mwindow: munmap: %v", err))
	}
	c.mappedBytes -= int64(len(w.data))
	c.openWindows--
	victimFile.windows = append(victimFile.windows[:victimIdx], victimFile.windows[victimIdx+1:]...)
	return true
}

// closeLRUFileLocked finds the file, among all registered files, all of
// whose windows are unused, preferring the one whose most-recently-used
// window has the smallest lastUsed value (a file with no windows at all
// is always the most preferred victim). It unmaps the file's windows,
// closes it, and removes it from the file list, reporting whether a
// victim was found. mu must be held.
func (c *Cache) closeLRUFileLocked() bool {
	var victim *File
	var victimIdx int = -1
	var victimMRU uint64

	for i, f := range c.files {
		allUnused := true
		var mru uint64
		for _, w := range f.windows {
			if w.inuse != 0 {
				allUnused = false
				break
			}
			if w.lastUsed > mru {
				mru = w.lastUsed
			}
		}
		if !allUnused {
			continue
		}
		if victimIdx == -1 || mru < victimMRU {
			victim, victimIdx, victimMRU = f, i, mru
		}
	}
	if victimIdx == -1 {
		return false
	}

	c.freeAllLocked(victim)
	c.files = append(c.files[:victimIdx], c.files[victimIdx+1:]...)
	victim.fd.Close()
	return true
}
