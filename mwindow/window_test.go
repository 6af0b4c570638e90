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
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "pack.dat")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenReturnsContent(t *testing.T) {
	path := writeTestFile(t, 64)
	c := NewCache(0, 0, int64(2*os.Getpagesize()))
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := c.RegisterFile(f); err != nil {
		t.Fatal(err)
	}
	defer c.DeregisterFile(f)

	var cur Cursor
	got, err := c.Open(f, 20, 5, &cur)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(&cur)
	want := []byte{20, 21, 22, 23, 24}
	if !bytes.Equal(got[:5], want) {
		t.Errorf("Open(20, 5) = %v; want prefix %v", got[:5], want)
	}
}

func TestOpenReusesCoveringWindow(t *testing.T) {
	path := writeTestFile(t, 64)
	c := NewCache(0, 0, int64(2*os.Getpagesize()))
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := c.RegisterFile(f); err != nil {
		t.Fatal(err)
	}
	defer c.DeregisterFile(f)

	var cur Cursor
	if _, err := c.Open(f, 0, 1, &cur); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats().OpenWindows; got != 1 {
		t.Fatalf("after first Open: OpenWindows = %d; want 1", got)
	}
	if _, err := c.Open(f, 4, 1, &cur); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats().OpenWindows; got != 1 {
		t.Errorf("after reusing same window: OpenWindows = %d; want 1", got)
	}
	c.Release(&cur)
}

// TestCacheEviction exercises the mapped-byte soft limit: with
// mappedLimit set to exactly two window's worth of bytes, mapping a third
// non-overlapping window must evict the least-recently-used unused window
// rather than exceed the limit. This encodes the eviction rule literally
// ("evict while mapped_bytes + len > mapped_limit" leaves two windows
// resident at the limit), not the one-window figure used as a narrative
// aside elsewhere when describing this same scenario.
func TestCacheEviction(t *testing.T) {
	windowSize := int64(2 * os.Getpagesize())
	path := writeTestFile(t, int(4*windowSize))
	c := NewCache(2*windowSize, 0, windowSize)
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := c.RegisterFile(f); err != nil {
		t.Fatal(err)
	}
	defer c.DeregisterFile(f)

	var cur1, cur2, cur3 Cursor
	if _, err := c.Open(f, 0, 1, &cur1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Open(f, windowSize, 1, &cur2); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats(); got.OpenWindows != 2 || got.MappedBytes != 2*windowSize {
		t.Fatalf("after two windows: stats = %+v", got)
	}

	// Release the first window so it becomes evictable, then map a third,
	// non-overlapping window. The limit (2*windowSize) forces eviction of
	// exactly the released window.
	c.Release(&cur1)
	if _, err := c.Open(f, 2*windowSize, 1, &cur3); err != nil {
		t.Fatal(err)
	}
	stats := c.Stats()
	if stats.OpenWindows != 2 {
		t.Errorf("after eviction: OpenWindows = %d; want 2", stats.OpenWindows)
	}
	if stats.MappedBytes != 2*windowSize {
		t.Errorf("after eviction: MappedBytes = %d; want %d", stats.MappedBytes, 2*windowSize)
	}
	if stats.PeakOpenWindows < 2 {
		t.Errorf("PeakOpenWindows = %d; want >= 2", stats.PeakOpenWindows)
	}

	// The evicted window must actually have been unmapped: reopening
	// offset 0 through a fresh cursor must not reuse cur2 or cur3's
	// windows and must still read back the right bytes.
	var cur4 Cursor
	got, err := c.Open(f, 0, 1, &cur4)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0 {
		t.Errorf("reopened window byte 0 = %d; want 0", got[0])
	}
	c.Release(&cur2)
	c.Release(&cur3)
	c.Release(&cur4)
}

func TestOpenOutOfBounds(t *testing.T) {
	path := writeTestFile(t, 16)
	c := NewCache(0, 0, 16)
	f, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := c.RegisterFile(f); err != nil {
		t.Fatal(err)
	}
	defer c.DeregisterFile(f)

	var cur Cursor
	if _, err := c.Open(f, 10, 10, &cur); err == nil {
		t.Error("Open with out-of-bounds range succeeded; want error")
	}
}

func TestCloseLRUFile(t *testing.T) {
	pathA := writeTestFile(t, 16)
	pathB := writeTestFile(t, 16)
	c := NewCache(0, 1, 16)

	fa, err := OpenFile(pathA)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterFile(fa); err != nil {
		t.Fatal(err)
	}

	fb, err := OpenFile(pathB)
	if err != nil {
		t.Fatal(err)
	}
	defer fb.Close()
	// fa has no open windows, so registering fb (hitting the file limit of
	// 1) should evict fa transparently rather than error.
	if err := c.RegisterFile(fb); err != nil {
		t.Fatalf("RegisterFile with evictable incumbent: %v", err)
	}
	if got := c.Stats().OpenFiles; got != 1 {
		t.Errorf("OpenFiles = %d; want 1", got)
	}
	c.DeregisterFile(fb)
}
