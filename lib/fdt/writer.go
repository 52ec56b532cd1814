// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"encoding/binary"

	"git.lukeshu.com/fdt-ng/lib/binstruct"
	"git.lukeshu.com/fdt-ng/lib/maps"
)

// WriterState is the sequential writer's current position in the
// fixed protocol EMPTY -> HAVE_RSV -> IN_STRUCT -> FINISHED, mirroring
// libfdt's fdt_create/fdt_finish state machine.
type WriterState int

const (
	StateEmpty WriterState = iota
	StateHaveRsv
	StateInStruct
	StateFinished
)

func (s WriterState) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateHaveRsv:
		return "HAVE_RSV"
	case StateInStruct:
		return "IN_STRUCT"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// strPatch is a deferred fixup: the property tag at loc needs its
// nameoff field filled in once every string has been interned and the
// strings block's final start address is known.
type strPatch struct {
	loc  int
	name string
}

// Writer builds a new blob from scratch, tag by tag, directly into a
// caller-supplied buffer, in the one order libfdt's sequential-write
// API permits: all memory reservations, then a single well-nested
// tree of BeginNode/Property/EndNode calls, then Finish. It holds no
// relationship to any previously-opened blob; it is a from-scratch
// builder, not an editor.
//
// The structure block is written forward starting just after the
// reserve map, and interned strings are written backward from the end
// of the buffer, the same two-cursors-converging layout libfdt's own
// fdt_create uses; Finish slides the strings down to close any gap
// between them. No step of building a tree allocates blob-sized
// memory: every write lands directly in buf, and an overflow reports
// ErrKindNoSpace instead of growing.
type Writer struct {
	buf           []byte
	state         WriterState
	depth         int
	bootCPUIDPhys uint32

	rsvCur      int // next unwritten byte of the reserve map
	structStart int // fixed once the first BeginNode leaves HAVE_RSV
	structCur   int // next unwritten byte of the structure block

	strTail  int // strings occupy buf[strTail:]; shrinks as strings are interned
	strIndex map[string]int
	patches  []strPatch
}

// NewWriter returns a Writer that will build a blob directly into buf.
// buf must be large enough to hold at least a header and the reserve
// map terminator; every subsequent write that would overflow buf
// fails with ErrKindNoSpace rather than growing it.
func NewWriter(buf []byte) (*Writer, error) {
	if len(buf) < HeaderSize+ReserveEntrySize {
		return nil, errf("NewWriter", ErrKindNoSpace)
	}
	return &Writer{
		buf:      buf,
		state:    StateEmpty,
		rsvCur:   HeaderSize,
		strTail:  len(buf),
		strIndex: make(map[string]int),
	}, nil
}

// SetBootCPUIDPhys sets the boot_cpuid_phys field stamped into the
// header by Finish. It may be called any time before Finish.
func (w *Writer) SetBootCPUIDPhys(id uint32) {
	w.bootCPUIDPhys = id
}

// AddMemRsv appends a memory reservation entry. It is only legal
// before the first BeginNode call.
func (w *Writer) AddMemRsv(address, size uint64) error {
	if w.state != StateEmpty && w.state != StateHaveRsv {
		return errf("AddMemRsv", ErrKindBadState)
	}
	// Reserve room for this entry plus the eventual (0,0) terminator.
	if w.rsvCur+2*ReserveEntrySize > w.strTail {
		return errf("AddMemRsv", ErrKindNoSpace)
	}
	bs, err := binstruct.Marshal(ReserveEntry{
		Address: binstruct.U64be(address),
		Size:    binstruct.U64be(size),
	})
	if err != nil {
		return wrapf("AddMemRsv", ErrKindInternal, err)
	}
	copy(w.buf[w.rsvCur:], bs)
	w.rsvCur += ReserveEntrySize
	w.state = StateHaveRsv
	return nil
}

// reserveStruct claims the next n bytes of the structure block,
// failing with ErrKindNoSpace if doing so would collide with the
// strings region growing down from the other end of buf.
func (w *Writer) reserveStruct(n int) (int, error) {
	if w.structCur+n > w.strTail {
		return 0, errf("reserveStruct", ErrKindNoSpace)
	}
	pos := w.structCur
	w.structCur += n
	return pos, nil
}

func (w *Writer) writeTag(t Tag) error {
	pos, err := w.reserveStruct(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[pos:], uint32(t))
	return nil
}

func (w *Writer) writeU32(v uint32) error {
	pos, err := w.reserveStruct(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[pos:], v)
	return nil
}

func (w *Writer) writeBytes(b []byte) error {
	pos, err := w.reserveStruct(len(b))
	if err != nil {
		return err
	}
	copy(w.buf[pos:], b)
	return nil
}

func (w *Writer) pad4() error {
	n := -w.structCur & 3
	pos, err := w.reserveStruct(n)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		w.buf[pos+i] = 0
	}
	return nil
}

// internString records that name will be needed in the strings block,
// writing its bytes into the not-yet-claimed tail of buf if this is
// the first time name has been seen. It returns the absolute offset
// in buf where name's bytes begin; that offset is only meaningful
// relative to the final strings-block start computed in Finish.
func (w *Writer) internString(name string) (int, error) {
	if off, ok := w.strIndex[name]; ok {
		return off, nil
	}
	n := len(name) + 1
	if w.structCur > w.strTail-n {
		return 0, errf("internString", ErrKindNoSpace)
	}
	w.strTail -= n
	copy(w.buf[w.strTail:], name)
	w.buf[w.strTail+len(name)] = 0
	w.strIndex[name] = w.strTail
	return w.strTail, nil
}

// InternedStrings returns the property names interned so far, sorted,
// for debug tooling that wants a deterministic listing of what will
// land in the strings block.
func (w *Writer) InternedStrings() []string {
	return maps.SortedKeys(w.strIndex)
}

// BeginNode opens a node named name. The root node's name must be
// empty. The first call closes the memory reservation map (even if no
// AddMemRsv calls were made, leaving just its terminator entry);
// BeginNode/Property/EndNode may be called any time after that and
// before Finish.
func (w *Writer) BeginNode(name string) error {
	if w.state != StateEmpty && w.state != StateHaveRsv && w.state != StateInStruct {
		return errf("BeginNode", ErrKindBadState)
	}
	if w.state == StateEmpty || w.state == StateHaveRsv {
		// Close out the reserve map with its (0,0) terminator and fix
		// the structure block's starting offset. A writer that never
		// saw an AddMemRsv call still needs this: an empty reserve map
		// is just its lone terminator entry.
		if w.rsvCur+ReserveEntrySize > w.strTail {
			return errf("BeginNode", ErrKindNoSpace)
		}
		for i := 0; i < ReserveEntrySize; i++ {
			w.buf[w.rsvCur+i] = 0
		}
		w.rsvCur += ReserveEntrySize
		w.structStart = align4(w.rsvCur)
		if w.structStart > w.strTail {
			return errf("BeginNode", ErrKindNoSpace)
		}
		for i := w.rsvCur; i < w.structStart; i++ {
			w.buf[i] = 0
		}
		w.structCur = w.structStart
		w.state = StateInStruct
	}
	w.depth++
	if err := w.writeTag(TagBeginNode); err != nil {
		return err
	}
	if err := w.writeBytes(append([]byte(name), 0)); err != nil {
		return err
	}
	return w.pad4()
}

// Property appends a property to the currently-open node. Properties
// must be written before any child BeginNode, matching the canonical
// on-disk ordering GetProperty relies on. Property does not check
// this: a property written after a child node has been closed is
// accepted, and GetProperty then does not find it.
func (w *Writer) Property(name string, val []byte) error {
	if w.state != StateInStruct || w.depth == 0 {
		return errf("Property", ErrKindBadState)
	}
	if _, err := w.internString(name); err != nil {
		return err
	}
	if err := w.writeTag(TagProp); err != nil {
		return err
	}
	if err := w.writeU32(uint32(len(val))); err != nil {
		return err
	}
	nameOffLoc, err := w.reserveStruct(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(w.buf[nameOffLoc:], 0)
	w.patches = append(w.patches, strPatch{loc: nameOffLoc, name: name})
	if err := w.writeBytes(val); err != nil {
		return err
	}
	return w.pad4()
}

// EndNode closes the most recently opened node.
func (w *Writer) EndNode() error {
	if w.state != StateInStruct || w.depth == 0 {
		return errf("EndNode", ErrKindBadState)
	}
	w.depth--
	return w.writeTag(TagEndNode)
}

// Finish closes out the structure block, slides the interned strings
// down to sit contiguously right after it (closing whatever gap is
// left over in buf), patches every property's nameoff now that the
// strings block's final start is known, and stamps the header. It may
// only be called once every BeginNode has a matching EndNode. The
// returned slice aliases buf, trimmed to the blob's total_size.
func (w *Writer) Finish() ([]byte, error) {
	if w.state != StateInStruct || w.depth != 0 {
		return nil, errf("Finish", ErrKindBadState)
	}
	if err := w.writeTag(TagEnd); err != nil {
		return nil, err
	}
	structEnd := w.structCur
	strTailFinal := w.strTail
	stringsSize := len(w.buf) - strTailFinal

	gap := strTailFinal - structEnd
	if gap > 0 {
		copy(w.buf[structEnd:structEnd+stringsSize], w.buf[strTailFinal:strTailFinal+stringsSize])
	}
	stringsOff := structEnd

	for _, p := range w.patches {
		relative := w.strIndex[p.name] - strTailFinal
		binary.BigEndian.PutUint32(w.buf[p.loc:], uint32(relative))
	}

	total := stringsOff + stringsSize
	hdr := Header{
		Magic:           binstruct.U32be(Magic),
		TotalSize:       binstruct.U32be(total),
		OffDtStruct:     binstruct.U32be(w.structStart),
		OffDtStrings:    binstruct.U32be(stringsOff),
		OffMemRsvmap:    binstruct.U32be(HeaderSize),
		Version:         binstruct.U32be(LastSupportedVersion),
		LastCompVersion: binstruct.U32be(FirstSupportedVersion),
		BootCPUIDPhys:   binstruct.U32be(w.bootCPUIDPhys),
		SizeDtStrings:   binstruct.U32be(stringsSize),
		SizeDtStruct:    binstruct.U32be(structEnd - w.structStart),
	}
	if err := WriteHeader(w.buf, hdr); err != nil {
		return nil, wrapf("Finish", ErrKindInternal, err)
	}
	w.state = StateFinished
	return w.buf[:total], nil
}
