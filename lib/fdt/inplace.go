// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import "encoding/binary"

// fillNops overwrites the structure-block range [off, end) with NOP
// tag words. end-off must be a multiple of 4.
func fillNops(blob []byte, hdr Header, off, end int) error {
	if (end-off)%4 != 0 {
		return errf("fillNops", ErrKindInternal)
	}
	base := int(hdr.OffDtStruct)
	for cur := off; cur < end; cur += 4 {
		binary.BigEndian.PutUint32(blob[base+cur:base+cur+4], uint32(TagNop))
	}
	return nil
}

// SetPropInplace overwrites the value of the property named name on
// nodeOff with newVal, without resizing the blob. len(newVal) must
// equal the property's current length; use SetProp if the length
// differs.
func SetPropInplace(blob []byte, hdr Header, nodeOff NodeOffset, name string, newVal []byte) error {
	desc, val, _, err := GetProperty(blob, hdr, nodeOff, name)
	if err != nil {
		return err
	}
	if len(newVal) != int(desc.Len) {
		return errf("SetPropInplace", ErrKindNoSpace)
	}
	copy(val, newVal)
	return nil
}

// NopProperty converts the PROP tag of the property named name on
// nodeOff into NOP tags, preserving the blob's size. The property's
// name remains in the strings block (strings are never garbage
// collected by this package).
func NopProperty(blob []byte, hdr Header, nodeOff NodeOffset, name string) error {
	_, _, propOff, err := GetProperty(blob, hdr, nodeOff, name)
	if err != nil {
		return err
	}
	_, _, nextOff, err := NextTag(blob, hdr, propOff)
	if err != nil {
		return err
	}
	return fillNops(blob, hdr, propOff, nextOff)
}

// NopNode converts the entire subtree rooted at nodeOff (its
// BEGIN_NODE tag, all properties and subnodes, and its END_NODE tag)
// into NOP tags, preserving the blob's size. Calling it on
// RootOffset is rejected.
func NopNode(blob []byte, hdr Header, nodeOff NodeOffset) error {
	if nodeOff == RootOffset {
		return errf("NopNode", ErrKindBadOffset)
	}
	end, err := skipSubtree(blob, hdr, int(nodeOff))
	if err != nil {
		return err
	}
	return fillNops(blob, hdr, int(nodeOff), end)
}
