// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"bytes"
	"encoding/binary"
)

// firstPropOffset returns the structure-block offset of the first PROP
// or NOP tag inside the node beginning at nodeOff, i.e. just past the
// BEGIN_NODE tag and the node's NUL-terminated name.
func firstPropOffset(blob []byte, hdr Header, nodeOff NodeOffset) (int, error) {
	tag, payloadOff, nextOff, err := NextTag(blob, hdr, int(nodeOff))
	if err != nil {
		return 0, wrapf("firstPropOffset", ErrKindBadOffset, err)
	}
	if tag != TagBeginNode {
		return 0, errf("firstPropOffset", ErrKindBadOffset)
	}
	_ = payloadOff
	return nextOff, nil
}

// GetProperty returns the descriptor and raw value of the property
// named name directly on the node at nodeOff (not recursing into
// subnodes). Properties come before subnodes in a well-formed blob,
// so the scan stops at the first tag that is neither PROP nor NOP.
func GetProperty(blob []byte, hdr Header, nodeOff NodeOffset, name string) (desc PropDesc, val []byte, propOff int, err error) {
	off, err := firstPropOffset(blob, hdr, nodeOff)
	if err != nil {
		return desc, nil, 0, err
	}
	for {
		tag, payloadOff, nextOff, tErr := NextTag(blob, hdr, off)
		if tErr != nil {
			return desc, nil, 0, tErr
		}
		switch tag {
		case TagNop:
			off = nextOff
			continue
		case TagProp:
			d, v, pErr := PropPayload(blob, hdr, payloadOff)
			if pErr != nil {
				return desc, nil, 0, pErr
			}
			propName, nErr := GetString(blob, hdr, StrOffset(d.NameOff))
			if nErr != nil {
				return desc, nil, 0, nErr
			}
			if propName == name {
				return d, v, off, nil
			}
			off = nextOff
		default:
			return desc, nil, 0, errf("GetProperty", ErrKindNotFound)
		}
	}
}

// GetPropValue is a convenience wrapper around GetProperty that
// discards the descriptor and structure offset.
func GetPropValue(blob []byte, hdr Header, nodeOff NodeOffset, name string) ([]byte, error) {
	_, val, _, err := GetProperty(blob, hdr, nodeOff, name)
	return val, err
}

// ForEachProperty calls visit for every property directly on nodeOff,
// in on-disk order, until visit returns false or an error occurs.
func ForEachProperty(blob []byte, hdr Header, nodeOff NodeOffset, visit func(name string, val []byte, propOff int) (bool, error)) error {
	off, err := firstPropOffset(blob, hdr, nodeOff)
	if err != nil {
		return err
	}
	for {
		tag, payloadOff, nextOff, tErr := NextTag(blob, hdr, off)
		if tErr != nil {
			return tErr
		}
		switch tag {
		case TagNop:
			off = nextOff
			continue
		case TagProp:
			d, v, pErr := PropPayload(blob, hdr, payloadOff)
			if pErr != nil {
				return pErr
			}
			name, nErr := GetString(blob, hdr, StrOffset(d.NameOff))
			if nErr != nil {
				return nErr
			}
			cont, vErr := visit(name, v, off)
			if vErr != nil {
				return vErr
			}
			if !cont {
				return nil
			}
			off = nextOff
		default:
			return nil
		}
	}
}

// StringListProperty decodes a property value as a list of
// NUL-separated strings, the convention used for properties such as
// "compatible". An empty value yields an empty, non-nil slice.
func StringListProperty(val []byte) []string {
	if len(val) == 0 {
		return []string{}
	}
	trimmed := val
	if trimmed[len(trimmed)-1] == 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}
	parts := bytes.Split(trimmed, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// Uint32Property decodes a property value as a single big-endian
// uint32 cell, the convention used for properties such as "phandle"
// and "#address-cells".
func Uint32Property(val []byte) (uint32, error) {
	if len(val) != 4 {
		return 0, errf("Uint32Property", ErrKindBadStructure)
	}
	return binary.BigEndian.Uint32(val), nil
}
