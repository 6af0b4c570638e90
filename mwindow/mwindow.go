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

// Package mwindow implements a process-wide, thread-safe LRU cache of
// memory-mapped windows over pack files, plus the reference-counted
// registry of opened pack files that shares its lock. A single mutex
// guards all structural mutation of both; once Open returns a window
// whose inuse count is non-zero, the mapped bytes themselves may be read
// without holding the lock, because a non-zero inuse count prevents the
// window from being unmapped.
package mwindow

import (
	"math/bits"
	"os"
	"sync"
)

// defaultWindowSize returns the platform default window size: 1 GiB on
// 64-bit platforms, 32 MiB on 32-bit platforms.
func defaultWindowSize() int64 {
	if bits.UintSize == 64 {
		return 1 << 30
	}
	return 32 << 20
}

// roundWindowSize rounds size up to the nearest multiple of twice the OS
// page size. newWindowLocked aligns a window's base offset down to a
// multiple of size/2 before calling mmap, which the kernel requires to be
// page-aligned; rounding here once, at construction time, keeps that later
// arithmetic exact instead of re-deriving the page size on every mapping.
func roundWindowSize(size int64) int64 {
	unit := int64(os.Getpagesize()) * 2
	if size <= 0 {
		size = unit
	}
	return (size + unit - 1) / unit * unit
}

// Stats reports point-in-time counters for a Cache, useful for tests and
// for a CLI's diagnostic output.
type Stats struct {
	MappedBytes     int64
	OpenWindows     int
	OpenFiles       int
	PeakMappedBytes int64
	PeakOpenWindows int
}

// Cache is a process-wide LRU cache of memory-mapped windows over pack
// files. The zero Cache is not usable; construct one with NewCache.
//
// All fields are guarded by mu. Mapping and unmapping happen in-process
// via the platform mmap primitive (mmapReadOnly / munmap), never while mu
// is held for longer than the syscall itself requires.
type Cache struct {
	mu sync.Mutex

	files []*File

	mappedBytes int64
	openWindows int
	usedCtr     uint64

	peakMappedBytes int64
	peakOpenWindows int

	// mappedLimit is the soft cap on mappedBytes. Zero means unlimited.
	mappedLimit int64
	// fileLimit is the maximum number of registered files. Zero means
	// unlimited.
	fileLimit int
	// windowSize is the size of a newly mapped window, clamped to the end of
	// the file; a window is mapped larger than this only when a single Open
	// requests a longer range. Always a multiple of twice the OS page size
	// (see roundWindowSize), so that half of it is itself page-aligned.
	windowSize int64
}

// NewCache constructs a Cache with the given soft mapped-byte limit,
// file-count limit, and window size. A zero mappedLimit or fileLimit means
// unlimited; a zero windowSize selects the platform default.
func NewCache(mappedLimit int64, fileLimit int, windowSize int64) *Cache {
	if windowSize <= 0 {
		windowSize = defaultWindowSize()
	}
	windowSize = roundWindowSize(windowSize)
	return &Cache{
		mappedLimit: mappedLimit,
		fileLimit:   fileLimit,
		windowSize:  windowSize,
	}
}

// Runtime bundles a Cache and the PackFileRegistry sharing its lock,
// matching spec.md §9's guidance to expose an explicit runtime handle
// rather than free-standing process globals, so tests can construct an
// isolated Runtime instead of reaching for shared state.
type Runtime struct {
	Cache    *Cache
	Registry *PackFileRegistry
}

// NewRuntime constructs a Runtime with a fresh Cache tuned by the given
// limits (see NewCache) and a Registry bound to it.
func NewRuntime(mappedLimit int64, fileLimit int, windowSize int64) *Runtime {
	c := NewCache(mappedLimit, fileLimit, windowSize)
	return &Runtime{Cache: c, Registry: NewPackFileRegistry(c)}
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		MappedBytes:     c.mappedBytes,
		OpenWindows:     c.openWindows,
		OpenFiles:       len(c.files),
		PeakMappedBytes: c.peakMappedBytes,
		PeakOpenWindows: c.peakOpenWindows,
	}
}
