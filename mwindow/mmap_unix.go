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

//go:build unix

package mwindow

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapReadOnly maps length bytes of f starting at offset into memory,
// read-only and shared. offset must be a multiple of the platform page
// size.
func mmapReadOnly(f *os.File, offset, length int64) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), offset, int(length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

// munmap unmaps a region previously returned by mmapReadOnly.
func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// pageSize returns the platform's mmap granularity.
func pageSize() int64 {
	return int64(os.Getpagesize())
}
