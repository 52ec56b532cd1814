// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fdt-ng/lib/fdt"
)

func stringListBytes(ss ...string) []byte {
	return append([]byte(strings.Join(ss, "\x00")), 0)
}

// buildSampleTree returns a minimal but non-trivial blob:
//
//	/ {
//	    compatible = "vendor,board";
//	    #address-cells = <1>;
//	    soc {
//	        uart@1000 {
//	            compatible = "vendor,uart", "generic,uart";
//	            reg = <0x1000 0x100>;
//	            phandle = <1>;
//	        };
//	    };
//	};
func buildSampleTree(t *testing.T) []byte {
	t.Helper()
	w, err := fdt.NewWriter(make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, w.AddMemRsv(0x80000000, 0x1000))
	require.NoError(t, w.BeginNode(""))
	require.NoError(t, w.Property("compatible", stringListBytes("vendor,board")))
	require.NoError(t, w.Property("#address-cells", []byte{0, 0, 0, 1}))
	require.NoError(t, w.BeginNode("soc"))
	require.NoError(t, w.BeginNode("uart@1000"))
	require.NoError(t, w.Property("compatible", stringListBytes("vendor,uart", "generic,uart")))
	require.NoError(t, w.Property("reg", []byte{0, 0, 0x10, 0, 0, 0, 1, 0}))
	require.NoError(t, w.Property("phandle", []byte{0, 0, 0, 1}))
	require.NoError(t, w.EndNode())
	require.NoError(t, w.EndNode())
	require.NoError(t, w.EndNode())
	blob, err := w.Finish()
	require.NoError(t, err)
	return blob
}

func TestWriterStateMachine(t *testing.T) {
	t.Parallel()
	w, err := fdt.NewWriter(make([]byte, 4096))
	require.NoError(t, err)
	assert.Error(t, w.Property("x", nil), "Property before any BeginNode")
	assert.Error(t, w.EndNode(), "EndNode before any BeginNode")
	require.NoError(t, w.AddMemRsv(0, 0x1000))
	require.NoError(t, w.BeginNode(""))
	require.NoError(t, w.EndNode())
	assert.Error(t, w.AddMemRsv(0, 1), "AddMemRsv after entering the structure block")
	_, err = w.Finish()
	require.NoError(t, err)
	assert.Error(t, w.BeginNode("x"), "BeginNode after Finish")
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	hdr, err := fdt.CheckHeader(blob)
	require.NoError(t, err)

	n, err := fdt.NumMemRsv(blob, hdr)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	addr, size, err := fdt.GetMemRsv(blob, hdr, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x80000000, addr)
	assert.EqualValues(t, 0x1000, size)

	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)

	path, err := fdt.NodePath(blob, hdr, uartOff)
	require.NoError(t, err)
	assert.Equal(t, "/soc/uart@1000", path)

	compat, err := fdt.GetPropValue(blob, hdr, uartOff, "compatible")
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor,uart", "generic,uart"}, fdt.StringListProperty(compat))

	assert.NoError(t, fdt.NodeCheckCompatible(blob, hdr, uartOff, "vendor,uart"))
	assert.Error(t, fdt.NodeCheckCompatible(blob, hdr, uartOff, "nonsense"))

	found, err := fdt.NodeOffsetByCompatible(blob, hdr, fdt.RootOffset, "generic,uart")
	require.NoError(t, err)
	assert.Equal(t, uartOff, found)

	ph, err := fdt.GetPHandle(blob, hdr, uartOff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ph)
	found, err = fdt.NodeOffsetByPHandle(blob, hdr, 1)
	require.NoError(t, err)
	assert.Equal(t, uartOff, found)

	depth, err := fdt.Depth(blob, hdr, uartOff)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	parent, err := fdt.ParentOffset(blob, hdr, uartOff)
	require.NoError(t, err)
	socOff, err := fdt.SubnodeOffset(blob, hdr, fdt.RootOffset, "soc")
	require.NoError(t, err)
	assert.Equal(t, socOff, parent)

	_, err = fdt.ParentOffset(blob, hdr, fdt.RootOffset)
	assert.ErrorIs(t, err, fdt.ErrKindNotFound)
}

func TestWriterNoSpace(t *testing.T) {
	t.Parallel()

	_, err := fdt.NewWriter(make([]byte, fdt.HeaderSize))
	assert.ErrorIs(t, err, fdt.ErrKindNoSpace, "buffer too small even for the reserve map terminator")

	w, err := fdt.NewWriter(make([]byte, fdt.HeaderSize+fdt.ReserveEntrySize+8))
	require.NoError(t, err)
	require.NoError(t, w.BeginNode(""))
	err = w.Property("compatible", []byte("vendor,board\x00"))
	assert.ErrorIs(t, err, fdt.ErrKindNoSpace, "structure+strings can't fit in the tiny remaining buffer")
}

func TestWriterInternedStrings(t *testing.T) {
	t.Parallel()
	w, err := fdt.NewWriter(make([]byte, 4096))
	require.NoError(t, err)
	require.NoError(t, w.BeginNode(""))
	require.NoError(t, w.Property("compatible", stringListBytes("vendor,board")))
	require.NoError(t, w.Property("#address-cells", []byte{0, 0, 0, 1}))
	require.NoError(t, w.Property("compatible", stringListBytes("vendor,board")))
	require.NoError(t, w.EndNode())
	assert.Equal(t, []string{"#address-cells", "compatible"}, w.InternedStrings())
}

func TestSubnodeOffsetUnitAddressMatching(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	hdr, err := fdt.CheckHeader(blob)
	require.NoError(t, err)

	socOff, err := fdt.PathOffset(blob, hdr, "/soc")
	require.NoError(t, err)

	// A query lacking "@" must match against the child's name up to
	// its own unit address.
	found, err := fdt.SubnodeOffset(blob, hdr, socOff, "uart")
	require.NoError(t, err)
	uartOff, err := fdt.PathOffset(blob, hdr, "/soc/uart@1000")
	require.NoError(t, err)
	assert.Equal(t, uartOff, found)

	// The full name (with "@") still works, and is an exact match.
	found, err = fdt.SubnodeOffset(blob, hdr, socOff, "uart@1000")
	require.NoError(t, err)
	assert.Equal(t, uartOff, found)

	// A unit address that doesn't match must not be found.
	_, err = fdt.SubnodeOffset(blob, hdr, socOff, "uart@2000")
	assert.Error(t, err)
}

func TestWalkVisitsEveryTag(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	hdr, err := fdt.CheckHeader(blob)
	require.NoError(t, err)

	var tags []fdt.Tag
	err = fdt.Walk(blob, hdr, 0, func(tag fdt.Tag, _, _, _ int) (bool, error) {
		tags = append(tags, tag)
		return true, nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, tags)
	assert.Equal(t, fdt.TagBeginNode, tags[0])
	assert.Equal(t, fdt.TagEnd, tags[len(tags)-1])
}
