// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"encoding/binary"

	"git.lukeshu.com/fdt-ng/lib/binstruct"
)

// requireCanonicalLayout checks that the three sub-blocks appear in
// the order this package's resizing operations assume: memory
// reservation map, then structure block, then strings block, with no
// overlap. Blobs produced by Writer.Finish, OpenInto, and every
// mutator in this file always satisfy it; a hand-crafted or
// third-party blob with a different sub-block order is rejected
// rather than silently mishandled.
func requireCanonicalLayout(hdr Header) error {
	rsvOff := int(hdr.OffMemRsvmap)
	structOff := int(hdr.OffDtStruct)
	structEnd := structOff + int(hdr.SizeDtStruct)
	stringsOff := int(hdr.OffDtStrings)
	if rsvOff > structOff || structOff > structEnd || structEnd > stringsOff {
		return errf("requireCanonicalLayout", ErrKindBadLayout)
	}
	return nil
}

// splice resizes the region [absOff, absOff+oldLen) of blob to length
// newLen, shifting every following byte (up to the end of the strings
// block, which the canonical layout places last) and updating every
// header offset field that pointed past absOff. The header's
// total_size is left unchanged: it is the room the sub-blocks may grow
// into, which is why OpenInto stamps the destination buffer's length
// there. It does not touch whichever sub-block's own Size field
// owns the resized region; callers update that themselves and must
// persist it with WriteHeader (spliceStruct/spliceStrings do this for
// the two Size fields that matter, but still rely on their own caller
// to not hold a stale copy of hdr around). splice itself always
// writes its result back into blob before returning, so the blob's
// on-disk header is never allowed to disagree with its content. The
// sub-blocks' new end must fit within both total_size and len(blob);
// this package never allocates blob storage.
func splice(blob []byte, hdr Header, absOff, oldLen, newLen int) (Header, error) {
	if absOff < 0 || oldLen < 0 || newLen < 0 {
		return hdr, errf("splice", ErrKindInternal)
	}
	if err := requireCanonicalLayout(hdr); err != nil {
		return hdr, wrapf("splice", ErrKindBadLayout, err)
	}
	delta := newLen - oldLen
	oldEnd := int(hdr.OffDtStrings) + int(hdr.SizeDtStrings)
	newEnd := oldEnd + delta
	if newEnd < 0 {
		return hdr, errf("splice", ErrKindInternal)
	}
	if newEnd > int(hdr.TotalSize) || newEnd > len(blob) {
		return hdr, errf("splice", ErrKindNoSpace)
	}
	tailStart := absOff + oldLen
	tailLen := oldEnd - tailStart
	if tailLen < 0 {
		return hdr, errf("splice", ErrKindInternal)
	}
	copy(blob[absOff+newLen:absOff+newLen+tailLen], blob[tailStart:tailStart+tailLen])
	switch {
	case delta > 0:
		for i := absOff + oldLen; i < absOff+newLen; i++ {
			blob[i] = 0
		}
	case delta < 0:
		for i := newEnd; i < oldEnd; i++ {
			blob[i] = 0
		}
	}

	newHdr := hdr
	if int(hdr.OffMemRsvmap) > absOff {
		newHdr.OffMemRsvmap = binstruct.U32be(int(hdr.OffMemRsvmap) + delta)
	}
	if int(hdr.OffDtStruct) > absOff {
		newHdr.OffDtStruct = binstruct.U32be(int(hdr.OffDtStruct) + delta)
	}
	if int(hdr.OffDtStrings) > absOff {
		newHdr.OffDtStrings = binstruct.U32be(int(hdr.OffDtStrings) + delta)
	}
	if err := WriteHeader(blob, newHdr); err != nil {
		return hdr, wrapf("splice", ErrKindInternal, err)
	}
	return newHdr, nil
}

// spliceStruct resizes the structure-block-relative region
// [off, off+oldLen) and keeps SizeDtStruct consistent.
func spliceStruct(blob []byte, hdr Header, off, oldLen, newLen int) (Header, error) {
	newHdr, err := splice(blob, hdr, int(hdr.OffDtStruct)+off, oldLen, newLen)
	if err != nil {
		return hdr, err
	}
	newHdr.SizeDtStruct = binstruct.U32be(int(hdr.SizeDtStruct) + (newLen - oldLen))
	if err := WriteHeader(blob, newHdr); err != nil {
		return hdr, wrapf("spliceStruct", ErrKindInternal, err)
	}
	return newHdr, nil
}

// spliceStrings resizes the strings-block-relative region
// [off, off+oldLen) and keeps SizeDtStrings consistent.
func spliceStrings(blob []byte, hdr Header, off, oldLen, newLen int) (Header, error) {
	newHdr, err := splice(blob, hdr, int(hdr.OffDtStrings)+off, oldLen, newLen)
	if err != nil {
		return hdr, err
	}
	newHdr.SizeDtStrings = binstruct.U32be(int(hdr.SizeDtStrings) + (newLen - oldLen))
	if err := WriteHeader(blob, newHdr); err != nil {
		return hdr, wrapf("spliceStrings", ErrKindInternal, err)
	}
	return newHdr, nil
}

// growStrings is the AppendString grow callback used by mutators that
// need to introduce a new string: it always appends at the tail of
// the strings block.
func growStrings(blob []byte, hdr Header) func(extra int) ([]byte, Header, error) {
	return func(extra int) ([]byte, Header, error) {
		newHdr, err := spliceStrings(blob, hdr, int(hdr.SizeDtStrings), 0, extra)
		if err != nil {
			return blob, hdr, err
		}
		return blob, newHdr, nil
	}
}

// OpenInto copies src, a valid FDT blob, into dst (which must be at
// least as large as src needs), repacking the memory reservation map,
// structure block, and strings block into the canonical order this
// package requires, and stamping dst's capacity as the new
// total_size so later growing mutations have room to work in. It is
// the entry point for editing a blob that was not produced by this
// package's own Writer, matching libfdt's fdt_open_into.
func OpenInto(src []byte, dst []byte) error {
	hdr, err := CheckHeader(src)
	if err != nil {
		return wrapf("OpenInto", ErrKindBadMagic, err)
	}

	n, err := NumMemRsv(src, hdr)
	if err != nil {
		return wrapf("OpenInto", ErrKindTruncated, err)
	}
	rsvLen := (n + 1) * ReserveEntrySize
	rsvOff := HeaderSize
	structOff := align4(rsvOff + rsvLen)
	structLen := int(hdr.SizeDtStruct)
	stringsOff := structOff + structLen
	stringsLen := int(hdr.SizeDtStrings)
	total := stringsOff + stringsLen

	if len(dst) < total {
		return errf("OpenInto", ErrKindNoSpace)
	}

	srcStructOff := int(hdr.OffDtStruct)
	srcStringsOff := int(hdr.OffDtStrings)
	srcRsvOff := int(hdr.OffMemRsvmap)

	copy(dst[rsvOff:rsvOff+rsvLen], src[srcRsvOff:srcRsvOff+rsvLen])
	copy(dst[structOff:structOff+structLen], src[srcStructOff:srcStructOff+structLen])
	copy(dst[stringsOff:stringsOff+stringsLen], src[srcStringsOff:srcStringsOff+stringsLen])
	for i := total; i < len(dst); i++ {
		dst[i] = 0
	}

	newHdr := hdr
	newHdr.OffMemRsvmap = binstruct.U32be(rsvOff)
	newHdr.OffDtStruct = binstruct.U32be(structOff)
	newHdr.OffDtStrings = binstruct.U32be(stringsOff)
	newHdr.TotalSize = binstruct.U32be(len(dst))
	newHdr.Version = binstruct.U32be(LastSupportedVersion)
	return WriteHeader(dst, newHdr)
}

// Pack slides the structure and strings blocks down so that no gap is
// left after the memory reservation map or between the two, then
// shrinks blob's reported total_size down to exactly cover the three
// sub-blocks in their canonical order, discarding any trailing slack
// OpenInto or repeated growth left behind, matching libfdt's fdt_pack.
// The returned slice aliases blob.
func Pack(blob []byte) ([]byte, error) {
	hdr, err := CheckHeader(blob)
	if err != nil {
		return nil, wrapf("Pack", ErrKindBadMagic, err)
	}
	if err := requireCanonicalLayout(hdr); err != nil {
		return nil, wrapf("Pack", ErrKindBadLayout, err)
	}
	n, err := NumMemRsv(blob, hdr)
	if err != nil {
		return nil, wrapf("Pack", ErrKindTruncated, err)
	}
	structOff := align4(int(hdr.OffMemRsvmap) + (n+1)*ReserveEntrySize)
	if structOff > int(hdr.OffDtStruct) {
		return nil, errf("Pack", ErrKindBadLayout)
	}
	stringsOff := structOff + int(hdr.SizeDtStruct)
	copy(blob[structOff:stringsOff], blob[int(hdr.OffDtStruct):int(hdr.OffDtStruct)+int(hdr.SizeDtStruct)])
	copy(blob[stringsOff:stringsOff+int(hdr.SizeDtStrings)], blob[int(hdr.OffDtStrings):int(hdr.OffDtStrings)+int(hdr.SizeDtStrings)])
	hdr.OffDtStruct = binstruct.U32be(structOff)
	hdr.OffDtStrings = binstruct.U32be(stringsOff)
	newTotal := stringsOff + int(hdr.SizeDtStrings)
	hdr.TotalSize = binstruct.U32be(newTotal)
	if err := WriteHeader(blob, hdr); err != nil {
		return nil, wrapf("Pack", ErrKindInternal, err)
	}
	return blob[:newTotal], nil
}

// propValueSpan returns the structure-block-relative offset and
// padded length of propOff's value region (after its 12-byte tag and
// descriptor).
func propValueSpan(blob []byte, hdr Header, propOff int) (valOff, paddedLen int, desc PropDesc, err error) {
	_, payloadOff, _, err := NextTag(blob, hdr, propOff)
	if err != nil {
		return 0, 0, desc, err
	}
	desc, _, err = PropPayload(blob, hdr, payloadOff)
	if err != nil {
		return 0, 0, desc, err
	}
	valOff = payloadOff + 8
	paddedLen = align4(int(desc.Len))
	return valOff, paddedLen, desc, nil
}

// SetProp sets the property named name on nodeOff to val, creating it
// (as the node's last property, before any subnodes) if it does not
// already exist, or resizing it in place if its length changes. To
// grow, blob needs free space between the end of its strings block and
// its total_size (as OpenInto into a larger buffer provides).
func SetProp(blob []byte, hdr Header, nodeOff NodeOffset, name string, val []byte) (Header, error) {
	_, _, propOff, err := GetProperty(blob, hdr, nodeOff, name)
	if err == nil {
		valOff, oldPaddedLen, _, spanErr := propValueSpan(blob, hdr, propOff)
		if spanErr != nil {
			return hdr, spanErr
		}
		newPaddedLen := align4(len(val))
		newHdr := hdr
		if newPaddedLen != oldPaddedLen {
			newHdr, err = spliceStruct(blob, hdr, valOff, oldPaddedLen, newPaddedLen)
			if err != nil {
				return hdr, err
			}
		}
		base := int(newHdr.OffDtStruct)
		binary.BigEndian.PutUint32(blob[base+propOff+4:base+propOff+8], uint32(len(val)))
		copy(blob[base+valOff:base+valOff+len(val)], val)
		return newHdr, nil
	}
	if !isKind(err, ErrKindNotFound) {
		return hdr, err
	}

	insertOff, err := propInsertionPoint(blob, hdr, nodeOff)
	if err != nil {
		return hdr, err
	}
	newBlob, newHdr, nameOff, err := AppendString(blob, hdr, name, growStrings(blob, hdr))
	if err != nil {
		return hdr, err
	}
	blob = newBlob
	tagLen := 4 + 8 + align4(len(val))
	newHdr, err = spliceStruct(blob, newHdr, insertOff, 0, tagLen)
	if err != nil {
		return hdr, err
	}
	base := int(newHdr.OffDtStruct)
	binary.BigEndian.PutUint32(blob[base+insertOff:base+insertOff+4], uint32(TagProp))
	binary.BigEndian.PutUint32(blob[base+insertOff+4:base+insertOff+8], uint32(len(val)))
	binary.BigEndian.PutUint32(blob[base+insertOff+8:base+insertOff+12], uint32(nameOff))
	copy(blob[base+insertOff+12:base+insertOff+12+len(val)], val)
	return newHdr, nil
}

// propInsertionPoint returns the structure-block-relative offset
// where a new property on nodeOff belongs: just past its last
// existing PROP/NOP tag, before its first subnode or its END_NODE.
func propInsertionPoint(blob []byte, hdr Header, nodeOff NodeOffset) (int, error) {
	off, err := firstPropOffset(blob, hdr, nodeOff)
	if err != nil {
		return 0, err
	}
	for {
		tag, _, next, err := NextTag(blob, hdr, off)
		if err != nil {
			return 0, err
		}
		if tag != TagProp && tag != TagNop {
			return off, nil
		}
		off = next
	}
}

// DelProp removes the property named name from nodeOff. The string
// naming it is left in the strings block.
func DelProp(blob []byte, hdr Header, nodeOff NodeOffset, name string) (Header, error) {
	_, _, propOff, err := GetProperty(blob, hdr, nodeOff, name)
	if err != nil {
		return hdr, err
	}
	_, _, nextOff, err := NextTag(blob, hdr, propOff)
	if err != nil {
		return hdr, err
	}
	return spliceStruct(blob, hdr, propOff, nextOff-propOff, 0)
}

// AddSubnode creates a new, empty, last-ordered child of nodeOff named
// name and returns its offset.
func AddSubnode(blob []byte, hdr Header, nodeOff NodeOffset, name string) (NodeOffset, Header, error) {
	if _, err := SubnodeOffset(blob, hdr, nodeOff, name); err == nil {
		return 0, hdr, errf("AddSubnode", ErrKindExists)
	}
	insertOff, err := subnodeInsertionPoint(blob, hdr, nodeOff)
	if err != nil {
		return 0, hdr, err
	}
	nameBytes := append([]byte(name), 0)
	bodyLen := align4(4 + len(nameBytes))
	tagLen := bodyLen + 4 // BEGIN_NODE(4)+name(padded) + END_NODE(4)
	newHdr, err := spliceStruct(blob, hdr, insertOff, 0, tagLen)
	if err != nil {
		return 0, hdr, err
	}
	base := int(newHdr.OffDtStruct)
	binary.BigEndian.PutUint32(blob[base+insertOff:base+insertOff+4], uint32(TagBeginNode))
	copy(blob[base+insertOff+4:base+insertOff+4+len(nameBytes)], nameBytes)
	endNodeOff := insertOff + 4 + bodyLen - 4
	binary.BigEndian.PutUint32(blob[base+endNodeOff:base+endNodeOff+4], uint32(TagEndNode))
	return NodeOffset(insertOff), newHdr, nil
}

// subnodeInsertionPoint returns the offset where a new last child of
// nodeOff belongs: past every existing property and subnode, before
// nodeOff's END_NODE.
func subnodeInsertionPoint(blob []byte, hdr Header, nodeOff NodeOffset) (int, error) {
	off, err := firstPropOffset(blob, hdr, nodeOff)
	if err != nil {
		return 0, err
	}
	for {
		tag, _, next, err := NextTag(blob, hdr, off)
		if err != nil {
			return 0, err
		}
		switch tag {
		case TagProp, TagNop:
			off = next
		case TagBeginNode:
			off, err = skipSubtree(blob, hdr, off)
			if err != nil {
				return 0, err
			}
		default:
			return off, nil
		}
	}
}

// DelNode removes nodeOff and its entire subtree. Deleting the root
// is rejected.
func DelNode(blob []byte, hdr Header, nodeOff NodeOffset) (Header, error) {
	if nodeOff == RootOffset {
		return hdr, errf("DelNode", ErrKindBadOffset)
	}
	end, err := skipSubtree(blob, hdr, int(nodeOff))
	if err != nil {
		return hdr, err
	}
	return spliceStruct(blob, hdr, int(nodeOff), end-int(nodeOff), 0)
}

// AddMemRsv appends a new memory reservation entry to an already-open
// blob, ahead of the terminating zero entry.
func AddMemRsv(blob []byte, hdr Header, address, size uint64) (Header, error) {
	n, err := NumMemRsv(blob, hdr)
	if err != nil {
		return hdr, err
	}
	entryOff := int(hdr.OffMemRsvmap) + n*ReserveEntrySize
	newHdr, err := splice(blob, hdr, entryOff, 0, ReserveEntrySize)
	if err != nil {
		return hdr, err
	}
	binary.BigEndian.PutUint64(blob[entryOff:entryOff+8], address)
	binary.BigEndian.PutUint64(blob[entryOff+8:entryOff+16], size)
	return newHdr, nil
}

// DelMemRsv removes the idx'th memory reservation entry.
func DelMemRsv(blob []byte, hdr Header, idx int) (Header, error) {
	if idx < 0 {
		return hdr, errf("DelMemRsv", ErrKindBadOffset)
	}
	n, err := NumMemRsv(blob, hdr)
	if err != nil {
		return hdr, err
	}
	if idx >= n {
		return hdr, errf("DelMemRsv", ErrKindNotFound)
	}
	entryOff := int(hdr.OffMemRsvmap) + idx*ReserveEntrySize
	return splice(blob, hdr, entryOff, ReserveEntrySize, 0)
}

func isKind(err error, kind ErrKind) bool {
	var fe *Error
	for e := err; e != nil; {
		if fe2, ok := e.(*Error); ok {
			fe = fe2
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return fe != nil && fe.Kind == kind
}
