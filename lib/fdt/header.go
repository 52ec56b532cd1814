// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fdt implements the Flattened Device Tree blob format: a
// compact, self-contained binary representation of a hierarchical
// configuration tree used by firmware to describe hardware to an
// operating-system kernel.
//
// The package performs no allocation of blob storage; every mutating
// operation works in the caller-supplied []byte. Concurrency is
// single-writer/multiple-reader, externally synchronized by the
// caller: concurrent read-only operations on a blob that nobody is
// mutating are safe, but any mutating call requires exclusive access,
// because splicing moves bytes underneath any offset a reader might
// be holding. A NodeOffset returned before a resizing mutation (any
// of SetProp, DelProp, AddSubnode, DelNode, AddMemRsv, DelMemRsv,
// OpenInto, Pack) must be treated as invalid afterward; re-resolve it
// with PathOffset or NodePath.
package fdt

import (
	"fmt"

	"git.lukeshu.com/fdt-ng/lib/binstruct"
)

const (
	// Magic is the constant sentinel identifying an FDT blob.
	Magic uint32 = 0xd00dfeed

	// FirstSupportedVersion is the oldest blob version this package can
	// open.
	FirstSupportedVersion uint32 = 0x10
	// LastSupportedVersion is the newest blob version this package
	// understands, and the version OpenInto stamps into its destination.
	LastSupportedVersion uint32 = 0x11

	// HeaderSize is the fixed size, in bytes, of the Header struct on
	// disk.
	HeaderSize = 40

	// ReserveEntrySize is the fixed size, in bytes, of one ReserveEntry.
	ReserveEntrySize = 16
)

// Header is the fixed-size blob header. All fields are big-endian on
// disk; binstruct's struct-tag-driven (un)marshaler handles the
// conversion declaratively, the same way btrfstree.NodeHeader does for
// btrfs's on-disk node header.
type Header struct {
	Magic           binstruct.U32be `bin:"off=0,  siz=4"`
	TotalSize       binstruct.U32be `bin:"off=4,  siz=4"`
	OffDtStruct     binstruct.U32be `bin:"off=8,  siz=4"`
	OffDtStrings    binstruct.U32be `bin:"off=c,  siz=4"`
	OffMemRsvmap    binstruct.U32be `bin:"off=10, siz=4"`
	Version         binstruct.U32be `bin:"off=14, siz=4"`
	LastCompVersion binstruct.U32be `bin:"off=18, siz=4"`
	BootCPUIDPhys   binstruct.U32be `bin:"off=1c, siz=4"`
	SizeDtStrings   binstruct.U32be `bin:"off=20, siz=4"`
	SizeDtStruct    binstruct.U32be `bin:"off=24, siz=4"`
	binstruct.End   `bin:"off=28"`
}

// ReadHeader unmarshals the header at the start of blob.
func ReadHeader(blob []byte) (Header, error) {
	var hdr Header
	if len(blob) < HeaderSize {
		return hdr, wrapf("ReadHeader", ErrKindTruncated, binstructShortErr(len(blob), HeaderSize))
	}
	if _, err := binstruct.Unmarshal(blob[:HeaderSize], &hdr); err != nil {
		return hdr, wrapf("ReadHeader", ErrKindBadStructure, err)
	}
	return hdr, nil
}

// WriteHeader marshals hdr into the start of blob.
func WriteHeader(blob []byte, hdr Header) error {
	if len(blob) < HeaderSize {
		return wrapf("WriteHeader", ErrKindNoSpace, binstructShortErr(len(blob), HeaderSize))
	}
	bs, err := binstruct.Marshal(hdr)
	if err != nil {
		return wrapf("WriteHeader", ErrKindInternal, err)
	}
	copy(blob[:HeaderSize], bs)
	return nil
}

// CheckHeader verifies magic, version range, and that
// last_comp_version is within what this package supports. It does not
// validate the structure or strings blocks; see Walk/NextTag for that.
func CheckHeader(blob []byte) (Header, error) {
	hdr, err := ReadHeader(blob)
	if err != nil {
		return hdr, err
	}
	if uint32(hdr.Magic) != Magic {
		return hdr, errf("CheckHeader", ErrKindBadMagic)
	}
	if uint32(hdr.LastCompVersion) > LastSupportedVersion {
		return hdr, errf("CheckHeader", ErrKindBadVersion)
	}
	if uint32(hdr.Version) < FirstSupportedVersion {
		return hdr, errf("CheckHeader", ErrKindBadVersion)
	}
	if uint64(hdr.OffDtStruct)+uint64(hdr.SizeDtStruct) > uint64(hdr.TotalSize) {
		return hdr, errf("CheckHeader", ErrKindTruncated)
	}
	if uint64(hdr.OffDtStrings)+uint64(hdr.SizeDtStrings) > uint64(hdr.TotalSize) {
		return hdr, errf("CheckHeader", ErrKindTruncated)
	}
	if uint64(len(blob)) < uint64(hdr.TotalSize) {
		return hdr, errf("CheckHeader", ErrKindTruncated)
	}
	return hdr, nil
}

// structBytes returns the n bytes of the structure block starting at
// off (relative to the structure block's own start), bounds-checked
// against size_dt_struct.
func structBytes(blob []byte, hdr Header, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || uint64(off)+uint64(n) > uint64(hdr.SizeDtStruct) {
		return nil, errf("structBytes", ErrKindBadOffset)
	}
	base := int(hdr.OffDtStruct)
	if uint64(base)+uint64(off)+uint64(n) > uint64(len(blob)) {
		return nil, errf("structBytes", ErrKindBadOffset)
	}
	return blob[base+off : base+off+n], nil
}

// stringsBytes returns the n bytes of the strings block starting at
// off, bounds-checked against size_dt_strings.
func stringsBytes(blob []byte, hdr Header, off, n int) ([]byte, error) {
	if off < 0 || n < 0 || uint64(off)+uint64(n) > uint64(hdr.SizeDtStrings) {
		return nil, errf("stringsBytes", ErrKindBadOffset)
	}
	base := int(hdr.OffDtStrings)
	if uint64(base)+uint64(off)+uint64(n) > uint64(len(blob)) {
		return nil, errf("stringsBytes", ErrKindBadOffset)
	}
	return blob[base+off : base+off+n], nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func binstructShortErr(have, want int) error {
	return fmt.Errorf("need at least %d bytes, only have %d", want, have)
}
