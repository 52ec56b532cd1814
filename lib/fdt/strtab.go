// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import "bytes"

// GetString returns the NUL-terminated string at off in the strings
// block, without the trailing NUL.
func GetString(blob []byte, hdr Header, off StrOffset) (string, error) {
	base := int(hdr.OffDtStrings)
	limit := base + int(hdr.SizeDtStrings)
	start := base + int(off)
	if off < 0 || start < base || start > limit {
		return "", errf("GetString", ErrKindBadOffset)
	}
	end := bytes.IndexByte(blob[start:limit], 0)
	if end < 0 {
		return "", errf("GetString", ErrKindTruncated)
	}
	return string(blob[start : start+end]), nil
}

// FindString returns the offset of name within the strings block, if
// it is already present as either an exact entry or a suffix of a
// longer entry sharing the same terminating NUL (the overlap libfdt's
// fdt_find_string permits so that appending can reuse string tails).
func FindString(blob []byte, hdr Header, name string) (StrOffset, bool) {
	base := int(hdr.OffDtStrings)
	size := int(hdr.SizeDtStrings)
	needle := []byte(name)
	for i := 0; i <= size-len(needle)-1; i++ {
		if !bytes.Equal(blob[base+i:base+i+len(needle)], needle) {
			continue
		}
		if blob[base+i+len(needle)] != 0 {
			continue
		}
		return StrOffset(i), true
	}
	return 0, false
}

// AppendString ensures name is present in the strings block, growing
// it via grow if necessary, and returns its offset. grow is called
// with the number of additional bytes needed (len(name)+1) and must
// return the (possibly relocated) blob and the strings-block header
// reflecting the newly available tail space, or an error if there is
// no room.
func AppendString(blob []byte, hdr Header, name string, grow func(extra int) ([]byte, Header, error)) ([]byte, Header, StrOffset, error) {
	if off, ok := FindString(blob, hdr, name); ok {
		return blob, hdr, off, nil
	}
	needed := len(name) + 1
	newBlob, newHdr, err := grow(needed)
	if err != nil {
		return blob, hdr, 0, wrapf("AppendString", ErrKindNoSpace, err)
	}
	off := StrOffset(int(newHdr.SizeDtStrings) - needed)
	base := int(newHdr.OffDtStrings)
	copy(newBlob[base+int(off):base+int(off)+len(name)], name)
	newBlob[base+int(off)+len(name)] = 0
	return newBlob, newHdr, off, nil
}
