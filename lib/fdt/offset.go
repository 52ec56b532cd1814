// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"fmt"

	"git.lukeshu.com/fdt-ng/lib/fmtutil"
)

// NodeOffset is a handle to a node: the byte offset of its BEGIN_NODE
// tag relative to the start of the structure block (the same
// convention libfdt uses for its int nodeoffset). A NodeOffset is
// invalidated by any resizing mutation at or after that offset; see
// the package doc comment.
type NodeOffset int32

// RootOffset is the NodeOffset of the tree's root node.
const RootOffset NodeOffset = 0

func (o NodeOffset) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#08x", int64(o))
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), int64(o))
	}
}

// StrOffset is a byte offset into the strings block.
type StrOffset int32
