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

// Package midx reads and writes the multi-pack-index ("multi-pack-index")
// file format: a single file that merges the per-pack ".idx" lookups of
// many pack files, so that locating the pack and offset for an object ID
// takes one lookup instead of one per pack. See the package-level
// invariants enforced by Parse and Encode for the on-disk format.
package midx

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/gg-midx/midx/githash"
)

const (
	headerSize        = 12
	chunkDirEntrySize = 12
	trailerSize       = githash.SHA1Size
	fanoutEntries     = 256
)

var midxSignature = [4]byte{'M', 'I', 'D', 'X'}

const (
	chunkIDPNAM uint32 = 0x504e414d
	chunkIDOIDF uint32 = 0x4f494446
	chunkIDOIDL uint32 = 0x4f49444c
	chunkIDOOFF uint32 = 0x4f4f4646
	chunkIDLOFF uint32 = 0x4c4f4646
)

const largeOffsetMarker = 1 << 31

// Entry is a single (object ID, pack, offset) triple as stored in or
// produced for a multi-pack-index.
type Entry struct {
	OID       githash.SHA1
	PackIndex uint32
	Offset    int64
}

// File is a parsed multi-pack-index, holding borrowed views into the
// backing byte slice passed to Parse (typically an mmap'd file). It is
// read-only: mutating the backing slice after Parse invalidates File.
type File struct {
	data []byte

	PackfileNames []string
	Fanout        [fanoutEntries]uint32
	NumObjects    int

	oidLookup          []byte
	objectOffsets      []byte
	objectLargeOffsets []byte

	Checksum githash.SHA1
}

// Parse validates and decodes the multi-pack-index format described in
// spec §3/§4.1 from data, which must be the entire file's contents. Parse
// never copies the bulk chunks; File's slices borrow from data.
func Parse(data []byte) (*File, error) {
	if len(data) < headerSize+trailerSize {
		return nil, formatErrorf("file too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[0:4], midxSignature[:]) {
		return nil, formatErrorf("index signature mismatch")
	}
	version := data[4]
	oidVersion := data[5]
	chunkCount := data[6]
	baseMidxFiles := data[7]
	packfileCount := binary.BigEndian.Uint32(data[8:12])
	if version != 1 {
		return nil, formatErrorf("unsupported version %d", version)
	}
	if oidVersion != 1 {
		return nil, formatErrorf("unsupported object-id version %d", oidVersion)
	}
	if baseMidxFiles != 0 {
		return nil, formatErrorf("multi-pack-index chains are not supported (base_midx_files = %d)", baseMidxFiles)
	}
	if chunkCount == 0 {
		return nil, formatErrorf("chunk count is zero")
	}

	trailerOffset := len(data) - trailerSize
	sum := sha1.Sum(data[:trailerOffset])
	if !bytes.Equal(sum[:], data[trailerOffset:]) {
		return nil, formatErrorf("index signature mismatch")
	}

	dir, err := parseChunkDirectory(data, int(chunkCount), trailerOffset)
	if err != nil {
		return nil, err
	}

	var pnamOff, oidfOff, oidlOff, ooffOff int64 = -1, -1, -1, -1
	loffOff := int64(-1)
	for i := 0; i < len(dir)-1; i++ {
		switch dir[i].id {
		case chunkIDPNAM:
			pnamOff = dir[i].offset
		case chunkIDOIDF:
			oidfOff = dir[i].offset
		case chunkIDOIDL:
			oidlOff = dir[i].offset
		case chunkIDOOFF:
			ooffOff = dir[i].offset
		case chunkIDLOFF:
			loffOff = dir[i].offset
		default:
			return nil, formatErrorf("unknown chunk id %#08x", dir[i].id)
		}
	}
	if pnamOff < 0 || oidfOff < 0 || oidlOff < 0 || ooffOff < 0 {
		return nil, formatErrorf("missing required chunk")
	}
	chunkLen := func(offset int64) int64 {
		for i := 0; i < len(dir)-1; i++ {
			if dir[i].offset == offset {
				return dir[i+1].offset - offset
			}
		}
		return 0
	}

	f := &File{data: data}

	oidfLen := chunkLen(oidfOff)
	if oidfLen != fanoutEntries*4 {
		return nil, formatErrorf("OIDF chunk has length %d; want %d", oidfLen, fanoutEntries*4)
	}
	var prev uint32
	for i := 0; i < fanoutEntries; i++ {
		v := binary.BigEndian.Uint32(data[oidfOff+int64(i)*4:])
		if v < prev {
			return nil, formatErrorf("oid_fanout is not non-decreasing at index %d", i)
		}
		f.Fanout[i] = v
		prev = v
	}
	f.NumObjects = int(f.Fanout[fanoutEntries-1])

	oidlLen := chunkLen(oidlOff)
	if oidlLen != int64(githash.SHA1Size)*int64(f.NumObjects) {
		return nil, formatErrorf("OIDL chunk has length %d; want %d", oidlLen, int64(githash.SHA1Size)*int64(f.NumObjects))
	}
	f.oidLookup = data[oidlOff : oidlOff+oidlLen]
	for i := 1; i < f.NumObjects; i++ {
		if bytes.Compare(f.oidAt(i-1)[:], f.oidAt(i)[:]) >= 0 {
			return nil, formatErrorf("OIDL is not strictly increasing at index %d", i)
		}
	}

	ooffLen := chunkLen(ooffOff)
	if ooffLen != 8*int64(f.NumObjects) {
		return nil, formatErrorf("OOFF chunk has length %d; want %d", ooffLen, 8*int64(f.NumObjects))
	}
	f.objectOffsets = data[ooffOff : ooffOff+ooffLen]

	if loffOff >= 0 {
		loffLen := chunkLen(loffOff)
		if loffLen%8 != 0 {
			return nil, formatErrorf("LOFF chunk has length %d, not a multiple of 8", loffLen)
		}
		f.objectLargeOffsets = data[loffOff : loffOff+loffLen]
	}

	pnamLen := chunkLen(pnamOff)
	names, err := parsePNAM(data[pnamOff:pnamOff+pnamLen], int(packfileCount))
	if err != nil {
		return nil, err
	}
	f.PackfileNames = names

	copy(f.Checksum[:], data[trailerOffset:])
	return f, nil
}

type chunkDirEntry struct {
	id     uint32
	offset int64
}

func parseChunkDirectory(data []byte, chunkCount int, trailerOffset int) ([]chunkDirEntry, error) {
	numEntries := chunkCount + 1
	dirStart := headerSize
	dirEnd := dirStart + numEntries*chunkDirEntrySize
	if dirEnd > trailerOffset {
		return nil, formatErrorf("chunk directory extends past trailer")
	}
	entries := make([]chunkDirEntry, numEntries)
	prevOffset := int64(-1)
	for i := 0; i < numEntries; i++ {
		base := dirStart + i*chunkDirEntrySize
		id := binary.BigEndian.Uint32(data[base : base+4])
		hi := binary.BigEndian.Uint32(data[base+4 : base+8])
		lo := binary.BigEndian.Uint32(data[base+8 : base+12])
		offset := int64(hi)<<32 | int64(lo)
		if offset <= prevOffset {
			return nil, formatErrorf("chunk offsets are not strictly increasing at entry %d", i)
		}
		if offset > int64(trailerOffset) {
			return nil, formatErrorf("chunk offset %d extends past trailer at %d", offset, trailerOffset)
		}
		entries[i] = chunkDirEntry{id: id, offset: offset}
		prevOffset = offset
	}
	last := entries[numEntries-1]
	if last.id != 0 {
		return nil, formatErrorf("terminating chunk directory entry has non-zero id %#08x", last.id)
	}
	if last.offset != int64(trailerOffset) {
		return nil, formatErrorf("terminating chunk directory entry offset %d != trailer offset %d", last.offset, trailerOffset)
	}
	return entries, nil
}

func parsePNAM(data []byte, count int) ([]string, error) {
	parts := bytes.Split(data, []byte{0})
	if len(parts) < count {
		return nil, formatErrorf("PNAM has %d names; want %d", len(parts), count)
	}
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = string(parts[i])
	}
	for _, p := range parts[count:] {
		if len(p) != 0 {
			return nil, formatErrorf("PNAM has trailing data after %d names", count)
		}
	}
	for i, name := range names {
		if !strings.HasSuffix(name, ".idx") {
			return nil, formatErrorf("packfile name %q does not end in .idx", name)
		}
		if strings.ContainsAny(name, "/\\") {
			return nil, formatErrorf("packfile name %q contains a path separator", name)
		}
		if i > 0 && names[i-1] >= name {
			return nil, formatErrorf("packfile names are not strictly increasing (%q >= %q)", names[i-1], name)
		}
	}
	return names, nil
}

func (f *File) oidAt(i int) githash.SHA1 {
	var oid githash.SHA1
	copy(oid[:], f.oidLookup[i*githash.SHA1Size:])
	return oid
}

// find implements spec §4.3: locate the unique object whose ID agrees
// with prefix in its first nibbles hex nibbles.
func (f *File) find(prefix githash.SHA1, nibbles int) (Entry, error) {
	b0 := prefix[0]
	hi := int(f.Fanout[b0])
	lo := 0
	if b0 > 0 {
		lo = int(f.Fanout[b0-1])
	}

	pos := lo + sort.Search(hi-lo, func(i int) bool {
		return bytes.Compare(f.oidAt(lo+i)[:], prefix[:]) >= 0
	})

	matched := pos < f.NumObjects && (bytes.Equal(f.oidAt(pos)[:], prefix[:]) || f.oidAt(pos).HasPrefix(prefix[:], nibbles))
	if !matched {
		return Entry{}, ErrNotFound
	}
	if nibbles < githash.MaxNibbles && pos+1 < f.NumObjects && f.oidAt(pos+1).HasPrefix(prefix[:], nibbles) {
		return Entry{}, ErrAmbiguous
	}

	rec := f.objectOffsets[pos*8 : pos*8+8]
	packIndex := binary.BigEndian.Uint32(rec[0:4])
	w := binary.BigEndian.Uint32(rec[4:8])
	var offset int64
	if w&largeOffsetMarker == 0 {
		offset = int64(w)
	} else {
		largeIdx := int(w &^ largeOffsetMarker)
		if (largeIdx+1)*8 > len(f.objectLargeOffsets) {
			return Entry{}, formatErrorf("large offset index %d out of range", largeIdx)
		}
		offset = int64(binary.BigEndian.Uint64(f.objectLargeOffsets[largeIdx*8:]))
	}
	if int(packIndex) >= len(f.PackfileNames) {
		return Entry{}, formatErrorf("pack index %d out of range (%d packfiles)", packIndex, len(f.PackfileNames))
	}
	return Entry{OID: f.oidAt(pos), PackIndex: packIndex, Offset: offset}, nil
}
