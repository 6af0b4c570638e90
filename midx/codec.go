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
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gg-midx/midx/githash"
)

// Encode assembles the multi-pack-index byte stream described in spec
// §4.2/§6 from names (the packfile names, in the order they should be
// assigned pack indices) and entries (already sorted by OID and free of
// duplicate OIDs — MidxWriter.Dump is responsible for deduplication and
// for mapping each entry's PackIndex against names' order before calling
// Encode).
func Encode(names []string, entries []Entry) ([]byte, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("multi-pack-index: encode: at least one packfile is required")
	}
	if err := validateNames(names); err != nil {
		return nil, err
	}
	if err := validateSortedEntries(entries); err != nil {
		return nil, err
	}

	pnam := buildPNAM(names)
	fanout, oidl, ooff, loff := buildBodyChunks(entries)

	chunkCount := byte(4)
	if len(loff) > 0 {
		chunkCount = 5
	}
	numDirEntries := int(chunkCount) + 1
	bodyStart := int64(headerSize + numDirEntries*chunkDirEntrySize)

	pnamOff := bodyStart
	oidfOff := pnamOff + int64(len(pnam))
	oidlOff := oidfOff + int64(len(fanout))
	ooffOff := oidlOff + int64(len(oidl))
	loffOff := ooffOff + int64(len(ooff))
	trailerOffset := loffOff
	if len(loff) > 0 {
		trailerOffset += int64(len(loff))
	}

	type dirEnt struct {
		id     uint32
		offset int64
	}
	dir := []dirEnt{
		{chunkIDPNAM, pnamOff},
		{chunkIDOIDF, oidfOff},
		{chunkIDOIDL, oidlOff},
		{chunkIDOOFF, ooffOff},
	}
	if len(loff) > 0 {
		dir = append(dir, dirEnt{chunkIDLOFF, loffOff})
	}
	dir = append(dir, dirEnt{0, trailerOffset})

	// Invariant 3 requires chunk offsets to be strictly increasing, which a
	// zero-length chunk (e.g. OIDL/OOFF when entries is empty) would
	// violate by landing on the same offset as its successor.
	for i := 1; i < len(dir); i++ {
		if dir[i].offset <= dir[i-1].offset {
			return nil, fmt.Errorf("multi-pack-index: encode: refusing to emit an empty chunk, which would violate the strictly-increasing chunk offset invariant")
		}
	}

	buf := new(bytes.Buffer)
	buf.Grow(int(trailerOffset) + trailerSize)

	buf.Write(midxSignature[:])
	buf.WriteByte(1) // version
	buf.WriteByte(1) // object-id version
	buf.WriteByte(chunkCount)
	buf.WriteByte(0) // base_midx_files
	var packCountBuf [4]byte
	binary.BigEndian.PutUint32(packCountBuf[:], uint32(len(names)))
	buf.Write(packCountBuf[:])

	var dirBuf [chunkDirEntrySize]byte
	for _, d := range dir {
		binary.BigEndian.PutUint32(dirBuf[0:4], d.id)
		binary.BigEndian.PutUint32(dirBuf[4:8], uint32(d.offset>>32))
		binary.BigEndian.PutUint32(dirBuf[8:12], uint32(d.offset))
		buf.Write(dirBuf[:])
	}

	buf.Write(pnam)
	buf.Write(fanout)
	buf.Write(oidl)
	buf.Write(ooff)
	if len(loff) > 0 {
		buf.Write(loff)
	}

	if int64(buf.Len()) != trailerOffset {
		return nil, fmt.Errorf("multi-pack-index: encode: internal offset mismatch (wrote %d bytes; expected trailer at %d)", buf.Len(), trailerOffset)
	}
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

func validateNames(names []string) error {
	for i, name := range names {
		if !strings.HasSuffix(name, ".idx") {
			return fmt.Errorf("multi-pack-index: encode: packfile name %q does not end in .idx", name)
		}
		if strings.ContainsAny(name, "/\\") {
			return fmt.Errorf("multi-pack-index: encode: packfile name %q contains a path separator", name)
		}
		if i > 0 && names[i-1] >= name {
			return fmt.Errorf("multi-pack-index: encode: packfile names are not strictly increasing (%q >= %q)", names[i-1], name)
		}
	}
	return nil
}

func validateSortedEntries(entries []Entry) error {
	for i := 1; i < len(entries); i++ {
		if bytes.Compare(entries[i-1].OID[:], entries[i].OID[:]) >= 0 {
			return fmt.Errorf("multi-pack-index: encode: entries are not strictly increasing by object id at index %d", i)
		}
	}
	return nil
}

func buildPNAM(names []string) []byte {
	buf := new(bytes.Buffer)
	for _, name := range names {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func buildBodyChunks(entries []Entry) (fanout, oidl, ooff, loff []byte) {
	var counts [fanoutEntries]uint32
	for _, e := range entries {
		counts[e.OID[0]]++
	}
	fanout = make([]byte, fanoutEntries*4)
	var cum uint32
	for i := 0; i < fanoutEntries; i++ {
		cum += counts[i]
		binary.BigEndian.PutUint32(fanout[i*4:], cum)
	}

	oidl = make([]byte, githash.SHA1Size*len(entries))
	ooff = make([]byte, 8*len(entries))
	var loffBuf bytes.Buffer
	largeIdx := uint32(0)
	for i, e := range entries {
		copy(oidl[i*githash.SHA1Size:], e.OID[:])

		binary.BigEndian.PutUint32(ooff[i*8:], e.PackIndex)
		if e.Offset < largeOffsetMarker {
			binary.BigEndian.PutUint32(ooff[i*8+4:], uint32(e.Offset))
		} else {
			binary.BigEndian.PutUint32(ooff[i*8+4:], largeOffsetMarker|largeIdx)
			var lb [8]byte
			binary.BigEndian.PutUint64(lb[:], uint64(e.Offset))
			loffBuf.Write(lb[:])
			largeIdx++
		}
	}
	return fanout, oidl, ooff, loffBuf.Bytes()
}
