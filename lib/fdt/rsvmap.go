// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"git.lukeshu.com/fdt-ng/lib/binstruct"
)

// ReserveEntry is one entry of the memory reservation map: a
// physical address range the bootloader has already claimed and the
// kernel must not overlap. The map is terminated by an entry whose
// Address and Size are both zero.
type ReserveEntry struct {
	Address       binstruct.U64be `bin:"off=0, siz=8"`
	Size          binstruct.U64be `bin:"off=8, siz=8"`
	binstruct.End `bin:"off=10"`
}

func (e ReserveEntry) isTerminator() bool {
	return e.Address == 0 && e.Size == 0
}

func rsvEntryAt(blob []byte, hdr Header, idx int) (ReserveEntry, error) {
	var e ReserveEntry
	base := int(hdr.OffMemRsvmap) + idx*ReserveEntrySize
	if base < 0 || base+ReserveEntrySize > len(blob) {
		return e, errf("rsvEntryAt", ErrKindBadOffset)
	}
	if _, err := binstruct.Unmarshal(blob[base:base+ReserveEntrySize], &e); err != nil {
		return e, wrapf("rsvEntryAt", ErrKindBadStructure, err)
	}
	return e, nil
}

// NumMemRsv returns the number of entries in the memory reservation
// map, not counting the terminating zero entry.
func NumMemRsv(blob []byte, hdr Header) (int, error) {
	n := 0
	for {
		e, err := rsvEntryAt(blob, hdr, n)
		if err != nil {
			return 0, wrapf("NumMemRsv", ErrKindTruncated, err)
		}
		if e.isTerminator() {
			return n, nil
		}
		n++
	}
}

// GetMemRsv returns the address and size of the idx'th entry in the
// memory reservation map.
func GetMemRsv(blob []byte, hdr Header, idx int) (address, size uint64, err error) {
	if idx < 0 {
		return 0, 0, errf("GetMemRsv", ErrKindBadOffset)
	}
	e, err := rsvEntryAt(blob, hdr, idx)
	if err != nil {
		return 0, 0, wrapf("GetMemRsv", ErrKindBadOffset, err)
	}
	if e.isTerminator() {
		return 0, 0, errf("GetMemRsv", ErrKindNotFound)
	}
	return uint64(e.Address), uint64(e.Size), nil
}
