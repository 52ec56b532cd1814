// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"encoding/binary"
)

// Tag is one of the structural tokens that make up the structure
// block's tag stream.
type Tag uint32

const (
	TagBeginNode Tag = 1
	TagEndNode   Tag = 2
	TagProp      Tag = 3
	TagNop       Tag = 4
	TagEnd       Tag = 9
)

func (t Tag) String() string {
	switch t {
	case TagBeginNode:
		return "BEGIN_NODE"
	case TagEndNode:
		return "END_NODE"
	case TagProp:
		return "PROP"
	case TagNop:
		return "NOP"
	case TagEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// PropDesc is the fixed-size descriptor that precedes a PROP tag's
// value bytes.
type PropDesc struct {
	Len     uint32
	NameOff uint32
}

// NextTag reads the tag at off (relative to the structure block's own
// start) and returns it along with the offset of its payload (0 if
// none) and the offset of the following tag. off must be 4-aligned.
//
// Unknown tags yield ErrKindBadStructure; reading past size_dt_struct
// without having seen an END tag yields ErrKindTruncated.
func NextTag(blob []byte, hdr Header, off int) (tag Tag, payloadOff, nextOff int, err error) {
	if off%4 != 0 {
		return 0, 0, 0, errf("NextTag", ErrKindBadOffset)
	}
	raw, err := structBytes(blob, hdr, off, 4)
	if err != nil {
		return 0, 0, 0, wrapf("NextTag", ErrKindTruncated, err)
	}
	tag = Tag(binary.BigEndian.Uint32(raw))
	payloadOff = off + 4

	switch tag {
	case TagBeginNode:
		name, nameErr := structCStringAt(blob, hdr, payloadOff)
		if nameErr != nil {
			return tag, payloadOff, 0, wrapf("NextTag", ErrKindTruncated, nameErr)
		}
		nextOff = align4(payloadOff + len(name) + 1)
	case TagEndNode, TagNop, TagEnd:
		nextOff = payloadOff
	case TagProp:
		descBytes, descErr := structBytes(blob, hdr, payloadOff, 8)
		if descErr != nil {
			return tag, payloadOff, 0, wrapf("NextTag", ErrKindTruncated, descErr)
		}
		valLen := binary.BigEndian.Uint32(descBytes[0:4])
		nextOff = align4(payloadOff + 8 + int(valLen))
	default:
		return tag, payloadOff, 0, errf("NextTag", ErrKindBadStructure)
	}

	if uint64(nextOff) > uint64(hdr.SizeDtStruct) {
		return tag, payloadOff, 0, errf("NextTag", ErrKindTruncated)
	}
	return tag, payloadOff, nextOff, nil
}

// PropPayload reads the {len, nameoff} descriptor and the value slice
// for a PROP tag whose payload starts at payloadOff.
func PropPayload(blob []byte, hdr Header, payloadOff int) (desc PropDesc, val []byte, err error) {
	descBytes, err := structBytes(blob, hdr, payloadOff, 8)
	if err != nil {
		return desc, nil, wrapf("PropPayload", ErrKindBadOffset, err)
	}
	desc.Len = binary.BigEndian.Uint32(descBytes[0:4])
	desc.NameOff = binary.BigEndian.Uint32(descBytes[4:8])
	val, err = structBytes(blob, hdr, payloadOff+8, int(desc.Len))
	if err != nil {
		return desc, nil, wrapf("PropPayload", ErrKindBadOffset, err)
	}
	return desc, val, nil
}

// structCStringAt reads a null-terminated string from the structure
// block starting at off, without the trailing null.
func structCStringAt(blob []byte, hdr Header, off int) ([]byte, error) {
	base := int(hdr.OffDtStruct)
	limit := base + int(hdr.SizeDtStruct)
	start := base + off
	if start < base || start > limit {
		return nil, errf("structCStringAt", ErrKindBadOffset)
	}
	for i := start; i < limit; i++ {
		if blob[i] == 0 {
			return blob[start:i], nil
		}
	}
	return nil, errf("structCStringAt", ErrKindTruncated)
}

// Walk walks the structure block from off (relative to the structure
// block's own start) calling visit for each tag until visit returns
// false, an error occurs, or TagEnd is consumed. depth tracks
// BEGIN_NODE/END_NODE nesting starting from the depth of off.
func Walk(blob []byte, hdr Header, off int, visit func(tag Tag, payloadOff, nextOff int, depth int) (bool, error)) error {
	depth := 0
	for {
		tag, payloadOff, nextOff, err := NextTag(blob, hdr, off)
		if err != nil {
			return err
		}
		switch tag {
		case TagBeginNode:
			depth++
		case TagEndNode:
			depth--
			if depth < 0 {
				return errf("Walk", ErrKindBadStructure)
			}
		}
		cont, err := visit(tag, payloadOff, nextOff, depth)
		if err != nil {
			return err
		}
		if tag == TagEnd {
			if depth != 0 {
				return errf("Walk", ErrKindBadStructure)
			}
			return nil
		}
		if !cont {
			return nil
		}
		off = nextOff
	}
}
