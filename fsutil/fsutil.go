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

// Package fsutil implements the filesystem collaborators spec.md treats
// as external: atomic whole-file writes and directory path normalization.
// Everything here is a thin wrapper — the interesting behavior lives in
// the standard library and in github.com/google/renameio — so that
// callers in midx and cmd/midx share one place that gets the
// write-then-rename sequencing right.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// WriteFileAtomic writes data to path with the given permissions by
// writing to a temporary file in the same directory and renaming it into
// place, so that a concurrent reader never observes a partially written
// file (spec §4.5's "write to a temp file in the same directory then
// rename" commit policy).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("fsutil: write %s: %w", path, err)
	}
	return nil
}

// NormalizeDir collapses redundant separators and "." elements from dir,
// matching the path.normalize_separators collaborator spec.md lists as
// external.
func NormalizeDir(dir string) string {
	return filepath.Clean(dir)
}
