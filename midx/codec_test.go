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
	"errors"
	"testing"

	"github.com/gg-midx/midx/githash"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func hash(t *testing.T, s string) githash.SHA1 {
	t.Helper()
	h, err := githash.ParseSHA1(s)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func smallNamesAndEntries(t *testing.T) ([]string, []Entry) {
	names := []string{"pack-aaaa.idx", "pack-bbbb.idx"}
	entries := []Entry{
		{OID: hash(t, "1111111111111111111111111111111111111111"), PackIndex: 0, Offset: 12},
		{OID: hash(t, "2222222222222222222222222222222222222222"), PackIndex: 1, Offset: 300},
		{OID: hash(t, "ff00000000000000000000000000000000000000"), PackIndex: 0, Offset: 4096},
	}
	return names, entries
}

func TestEncodeParseRoundTrip(t *testing.T) {
	names, entries := smallNamesAndEntries(t)
	data, err := Encode(names, entries)
	if err != nil {
		t.Fatal("Encode:", err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatal("Parse:", err)
	}
	if diff := cmp.Diff(names, f.PackfileNames, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("PackfileNames (-want +got):\n%s", diff)
	}
	if f.NumObjects != len(entries) {
		t.Errorf("NumObjects = %d; want %d", f.NumObjects, len(entries))
	}
	for _, want := range entries {
		got, err := f.find(want.OID, githash.MaxNibbles)
		if err != nil {
			t.Errorf("find(%v, 40): %v", want.OID, err)
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("find(%v, 40) (-want +got):\n%s", want.OID, diff)
		}
	}
}

func TestFanoutCoherence(t *testing.T) {
	names, entries := smallNamesAndEntries(t)
	data, err := Encode(names, entries)
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 256; i++ {
		want := 0
		for _, e := range entries {
			if int(e.OID[0]) <= i {
				want++
			}
		}
		if got := int(f.Fanout[i]); got != want {
			t.Errorf("Fanout[%d] = %d; want %d", i, got, want)
		}
	}
}

func TestFindPrefixAmbiguity(t *testing.T) {
	names := []string{"pack-aaaa.idx"}
	entries := []Entry{
		{OID: hash(t, "5000000000000000000000000000000000000000"), PackIndex: 0, Offset: 1},
		{OID: hash(t, "5000000011000000000000000000000000000000"), PackIndex: 0, Offset: 2},
	}
	data, err := Encode(names, entries)
	if err != nil {
		t.Fatal(err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}

	prefix := hash(t, "5000000000000000000000000000000000000000")
	if _, err := f.find(prefix, 8); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("find(prefix, 8) = _, %v; want ErrAmbiguous", err)
	}
	if got, err := f.find(entries[0].OID, githash.MaxNibbles); err != nil || got.Offset != 1 {
		t.Errorf("find(entries[0].OID, 40) = %+v, %v; want offset 1, nil", got, err)
	}
	if got, err := f.find(entries[1].OID, githash.MaxNibbles); err != nil || got.Offset != 2 {
		t.Errorf("find(entries[1].OID, 40) = %+v, %v; want offset 2, nil", got, err)
	}

	missing := hash(t, "6000000000000000000000000000000000000000")
	if _, err := f.find(missing, githash.MaxNibbles); !errors.Is(err, ErrNotFound) {
		t.Errorf("find(missing, 40) = _, %v; want ErrNotFound", err)
	}
}

func TestLargeOffsetBoundary(t *testing.T) {
	names := []string{"pack-aaaa.idx"}
	entries := []Entry{
		{OID: hash(t, "1000000000000000000000000000000000000000"), PackIndex: 0, Offset: (1 << 31) - 1},
		{OID: hash(t, "2000000000000000000000000000000000000000"), PackIndex: 0, Offset: 1 << 31},
	}
	data, err := Encode(names, entries)
	if err != nil {
		t.Fatal(err)
	}
	if got := data[6]; got != 5 {
		t.Errorf("chunk count = %d; want 5 (LOFF present)", got)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.objectLargeOffsets) == 0 {
		t.Error("objectLargeOffsets is empty; want at least one large offset")
	}
	for _, want := range entries {
		got, err := f.find(want.OID, githash.MaxNibbles)
		if err != nil {
			t.Fatal(err)
		}
		if got.Offset != want.Offset {
			t.Errorf("find(%v) offset = %d; want %d", want.OID, got.Offset, want.Offset)
		}
	}
}

func TestParseCorruptTrailer(t *testing.T) {
	names, entries := smallNamesAndEntries(t)
	data, err := Encode(names, entries)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	_, err = Parse(data)
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("Parse(corrupted) = _, %v; want *FormatError", err)
	}
	if formatErr.Detail != "index signature mismatch" {
		t.Errorf("FormatError.Detail = %q; want %q", formatErr.Detail, "index signature mismatch")
	}
}

func TestEncodeRejectsUnsortedNames(t *testing.T) {
	names := []string{"pack-bbbb.idx", "pack-aaaa.idx"}
	if _, err := Encode(names, nil); err == nil {
		t.Error("Encode with unsorted names succeeded; want error")
	}
}

func TestEncodeRejectsNameWithoutIdxSuffix(t *testing.T) {
	names := []string{"pack-aaaa.pack"}
	if _, err := Encode(names, nil); err == nil {
		t.Error("Encode with non-.idx name succeeded; want error")
	}
}

func TestEncodeEmpty(t *testing.T) {
	// A multi-pack-index with no packfiles would need a zero-length PNAM
	// chunk, putting two chunk-directory entries at the same offset and
	// violating invariant 3's strictly-increasing requirement. Encode must
	// refuse rather than emit a file Parse would then reject.
	if _, err := Encode(nil, nil); err == nil {
		t.Error("Encode(nil, nil) succeeded; want error (no packfiles)")
	}
}

func TestEncodeEmptyPackWithNoObjects(t *testing.T) {
	// A single packfile contributing zero objects leaves OIDL/OOFF
	// zero-length, the same invariant-3 collision as the fully-empty case.
	names := []string{"pack-aaaa.idx"}
	if _, err := Encode(names, nil); err == nil {
		t.Error("Encode(names, nil) succeeded; want error (no objects)")
	}
}

func TestParseTooShort(t *testing.T) {
	if _, err := Parse([]byte("short")); err == nil {
		t.Error("Parse(short) succeeded; want error")
	} else if !bytes.Contains([]byte(err.Error()), []byte("too short")) {
		t.Errorf("Parse(short) error = %v; want mention of \"too short\"", err)
	}
}
