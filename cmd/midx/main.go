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

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gg-midx/midx/githash"
	"github.com/gg-midx/midx/midx"
	"github.com/gg-midx/midx/mwindow"
)

func main() {
	root := &cobra.Command{
		Use:   "midx",
		Short: "Build and inspect multi-pack-index files",
		Long:  "midx builds and inspects the multi-pack-index that merges many pack-index (.idx) files into one lookup.",
	}

	var mappedLimit int64
	var fileLimit int
	var windowSize int64
	root.PersistentFlags().Int64Var(&mappedLimit, "mapped-limit", 0, "soft cap in bytes on memory mapped by the window cache (0 = unlimited)")
	root.PersistentFlags().IntVar(&fileLimit, "file-limit", 0, "maximum number of pack files held open at once (0 = unlimited)")
	root.PersistentFlags().Int64Var(&windowSize, "window-size", 0, "mmap window size in bytes (0 = platform default)")

	root.AddCommand(newBuildCmd(&mappedLimit, &fileLimit, &windowSize))
	root.AddCommand(newLookupCmd())
	root.AddCommand(newCatCmd())
	root.AddCommand(newVerifyCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newBuildCmd(mappedLimit *int64, fileLimit *int, windowSize *int64) *cobra.Command {
	return &cobra.Command{
		Use:   "build <pack-dir>",
		Short: "Build a multi-pack-index from every .idx file in pack-dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			dirEntries, err := os.ReadDir(dir)
			if err != nil {
				return fmt.Errorf("build: %w", err)
			}

			rt := mwindow.NewRuntime(*mappedLimit, *fileLimit, *windowSize)
			w := midx.New(dir, rt)
			w.Warnf = func(format string, a ...interface{}) { fmt.Fprintf(os.Stderr, format+"\n", a...) }
			defer w.Free()

			var n int
			for _, e := range dirEntries {
				if e.IsDir() || filepath.Ext(e.Name()) != ".idx" {
					continue
				}
				if err := w.Add(e.Name()); err != nil {
					return fmt.Errorf("build: %w", err)
				}
				n++
			}
			if n == 0 {
				return fmt.Errorf("build: no .idx files found in %s", dir)
			}
			if err := w.Commit(); err != nil {
				return fmt.Errorf("build: %w", err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s from %d pack(s)\n", filepath.Join(dir, "multi-pack-index"), n)
			return nil
		},
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <midx-path> <oid-prefix>",
		Short: "Find the pack and offset for an object id prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := midx.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			prefix, nibbles, err := parsePrefix(args[1])
			if err != nil {
				return err
			}
			e, err := r.Find(prefix, nibbles)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", args[1], err)
			}
			fmt.Printf("%s  %s  offset=%d\n", e.OID, r.PackfileNames()[e.PackIndex], e.Offset)
			return nil
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <midx-path>",
		Short: "Print a multi-pack-index's object count and packfile list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := midx.Open(args[0])
			if err != nil {
				return err
			}
			defer r.Close()

			fmt.Printf("objects:   %d\n", r.NumObjects())
			fmt.Printf("packfiles: %d\n", len(r.PackfileNames()))
			for i, name := range r.PackfileNames() {
				fmt.Printf("  [%d] %s\n", i, name)
			}
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <midx-path>",
		Short: "Re-parse a multi-pack-index and report whether it is stale relative to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := midx.Open(args[0])
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			defer r.Close()

			if r.NeedsRefresh() {
				return fmt.Errorf("verify: %s is stale relative to the file on disk", args[0])
			}
			fmt.Printf("%s: ok, %d objects across %d pack(s)\n", args[0], r.NumObjects(), len(r.PackfileNames()))
			return nil
		},
	}
}

// parsePrefix decodes a hex object-id prefix (1 to githash.MaxNibbles
// digits) into a zero-padded SHA1 plus the number of significant nibbles.
func parsePrefix(s string) (githash.SHA1, int, error) {
	s = strings.TrimSpace(s)
	nibbles := len(s)
	if nibbles == 0 || nibbles > githash.MaxNibbles {
		return githash.SHA1{}, 0, fmt.Errorf("prefix must be between 1 and %d hex digits", githash.MaxNibbles)
	}
	padded := s
	if len(padded)%2 != 0 {
		padded += "0"
	}
	raw, err := hex.DecodeString(padded)
	if err != nil {
		return githash.SHA1{}, 0, fmt.Errorf("invalid hex prefix %q: %w", s, err)
	}
	var oid githash.SHA1
	copy(oid[:], raw)
	return oid, nibbles, nil
}
