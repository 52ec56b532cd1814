// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fdt-ng/lib/containers"
	"git.lukeshu.com/fdt-ng/lib/fdt"
)

// openIntoScratch copies src into a fresh buffer with slack bytes of
// room to grow into, the way fdtput always does before mutating.
func openIntoScratch(t *testing.T, src []byte, slack int) ([]byte, fdt.Header) {
	t.Helper()
	dst := make([]byte, len(src)+slack)
	require.NoError(t, fdt.OpenInto(src, dst))
	hdr, err := fdt.CheckHeader(dst)
	require.NoError(t, err)
	return dst, hdr
}

func TestSetPropGrowAndShrink(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 256)

	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)

	// Growing an existing property.
	hdr, err = fdt.SetProp(blob, hdr, uartOff, "reg", []byte{0, 0, 0x10, 0, 0, 0, 2, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	val, err := fdt.GetPropValue(blob, hdr, uartOff, "reg")
	require.NoError(t, err)
	assert.Len(t, val, 12)

	// Shrinking it back.
	hdr, err = fdt.SetProp(blob, hdr, uartOff, "reg", []byte{0, 0, 0x10, 0})
	require.NoError(t, err)
	val, err = fdt.GetPropValue(blob, hdr, uartOff, "reg")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0x10, 0}, val)

	// Adding a brand new property.
	hdr, err = fdt.SetProp(blob, hdr, uartOff, "status", stringListBytes("okay"))
	require.NoError(t, err)
	val, err = fdt.GetPropValue(blob, hdr, uartOff, "status")
	require.NoError(t, err)
	assert.Equal(t, []string{"okay"}, fdt.StringListProperty(val))

	// The rest of the tree must still be intact.
	path, err := fdt.NodePath(blob, hdr, uartOff)
	require.NoError(t, err)
	assert.Equal(t, "/soc/uart@1000", path)
	n, err := fdt.NumMemRsv(blob, hdr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetPropNoSpace(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	// No slack at all: growing must fail cleanly, not corrupt blob.
	blob, hdr := openIntoScratch(t, src, 0)
	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)

	before := append([]byte(nil), blob...)
	_, err = fdt.SetProp(blob, hdr, uartOff, "a-brand-new-property", make([]byte, 64))
	assert.ErrorIs(t, err, fdt.ErrKindNoSpace)
	assert.Equal(t, before, blob, "failed SetProp must not have mutated blob")
}

func TestDelPropAndDelNode(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 64)

	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)
	hdr, err = fdt.DelProp(blob, hdr, uartOff, "phandle")
	require.NoError(t, err)
	_, err = fdt.GetPropValue(blob, hdr, uartOff, "phandle")
	assert.ErrorIs(t, err, fdt.ErrKindNotFound)

	socOff, err := fdt.PathOffset(blob, hdr, "/soc")
	require.NoError(t, err)
	hdr, err = fdt.DelNode(blob, hdr, socOff)
	require.NoError(t, err)
	_, err = fdt.PathOffset(blob, hdr, "/soc")
	assert.ErrorIs(t, err, fdt.ErrKindNotFound)
	_, err = fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	assert.Error(t, err)

	_, err = fdt.DelNode(blob, hdr, fdt.RootOffset)
	assert.ErrorIs(t, err, fdt.ErrKindBadOffset)
}

func TestAddSubnode(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 128)

	socOff, err := fdt.PathOffset(blob, hdr, "/soc")
	require.NoError(t, err)

	gpioOff, hdr, err := fdt.AddSubnode(blob, hdr, socOff, "gpio@2000")
	require.NoError(t, err)
	path, err := fdt.NodePath(blob, hdr, gpioOff)
	require.NoError(t, err)
	assert.Equal(t, "/soc/gpio@2000", path)

	hdr, err = fdt.SetProp(blob, hdr, gpioOff, "compatible", stringListBytes("vendor,gpio"))
	require.NoError(t, err)

	// uart@1000 should be unaffected by its sibling's birth.
	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)
	val, err := fdt.GetPropValue(blob, hdr, uartOff, "compatible")
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor,uart", "generic,uart"}, fdt.StringListProperty(val))

	_, _, err = fdt.AddSubnode(blob, hdr, socOff, "gpio@2000")
	assert.ErrorIs(t, err, fdt.ErrKindExists)
}

func TestMemRsvMutators(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 64)

	hdr, err := fdt.AddMemRsv(blob, hdr, 0x90000000, 0x2000)
	require.NoError(t, err)
	n, err := fdt.NumMemRsv(blob, hdr)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	addr, size, err := fdt.GetMemRsv(blob, hdr, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0x90000000, addr)
	assert.EqualValues(t, 0x2000, size)

	hdr, err = fdt.DelMemRsv(blob, hdr, 0)
	require.NoError(t, err)
	n, err = fdt.NumMemRsv(blob, hdr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	addr, _, err = fdt.GetMemRsv(blob, hdr, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x90000000, addr)

	// The tree itself must have ridden out the rsvmap resize.
	_, err = fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	assert.NoError(t, err)
}

// TestSetPropReusesScratchBuffer exercises containers.SlicePool the
// way a caller doing many SetProp calls in a loop would: pulling a
// scratch buffer for each new property value instead of allocating
// one from scratch, and returning it to the pool afterward.
func TestSetPropReusesScratchBuffer(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 256)
	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)

	var pool containers.SlicePool[byte]
	for i := 0; i < 4; i++ {
		scratch := pool.Get(4)
		for j := range scratch {
			scratch[j] = byte(i)
		}
		hdr, err = fdt.SetProp(blob, hdr, uartOff, "status", scratch)
		require.NoError(t, err)
		pool.Put(scratch)
	}

	val, err := fdt.GetPropValue(blob, hdr, uartOff, "status")
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 3, 3, 3}, val)
}

func TestPack(t *testing.T) {
	t.Parallel()
	src := buildSampleTree(t)
	blob, hdr := openIntoScratch(t, src, 512)
	assert.Greater(t, int(hdr.TotalSize), len(src))

	packed, err := fdt.Pack(blob)
	require.NoError(t, err)
	assert.Equal(t, len(src), len(packed), "Pack should trim exactly back down to the pre-OpenInto size")

	packedHdr, err := fdt.CheckHeader(packed)
	require.NoError(t, err)
	_, err = fdt.PathOffset(packed, packedHdr, "/soc/uart@1000")
	assert.NoError(t, err)
}
