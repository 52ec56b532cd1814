// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

import (
	"bytes"
	"strings"

	"git.lukeshu.com/fdt-ng/lib/containers"
)

// NextNode walks the tag stream in depth-first preorder starting from
// the node at off (which must be a BEGIN_NODE tag) and returns the
// offset of the next node: off's first child if it has one, otherwise
// its next sibling, climbing up through END_NODE tags as needed. depth
// is updated in place, the same contract as libfdt's fdt_next_node.
// ErrKindNotFound is returned once the traversal climbs back out past
// where it started.
func NextNode(blob []byte, hdr Header, off NodeOffset, depth *int) (NodeOffset, error) {
	tag, _, next, err := NextTag(blob, hdr, int(off))
	if err != nil {
		return 0, wrapf("NextNode", ErrKindBadOffset, err)
	}
	if tag != TagBeginNode {
		return 0, errf("NextNode", ErrKindBadOffset)
	}
	cur := next
	for {
		tag, _, next, err := NextTag(blob, hdr, cur)
		if err != nil {
			return 0, err
		}
		switch tag {
		case TagBeginNode:
			*depth++
			return NodeOffset(cur), nil
		case TagEndNode:
			*depth--
			if *depth < 0 {
				return 0, errf("NextNode", ErrKindNotFound)
			}
		case TagEnd:
			return 0, errf("NextNode", ErrKindNotFound)
		}
		cur = next
	}
}

// skipSubtree returns the offset just past the END_NODE that matches
// the BEGIN_NODE tag at off.
func skipSubtree(blob []byte, hdr Header, off int) (int, error) {
	tag, _, next, err := NextTag(blob, hdr, off)
	if err != nil {
		return 0, err
	}
	if tag != TagBeginNode {
		return 0, errf("skipSubtree", ErrKindBadOffset)
	}
	depth := 1
	cur := next
	for depth > 0 {
		tag, _, next, err := NextTag(blob, hdr, cur)
		if err != nil {
			return 0, err
		}
		switch tag {
		case TagBeginNode:
			depth++
		case TagEndNode:
			depth--
		case TagEnd:
			return 0, errf("skipSubtree", ErrKindTruncated)
		}
		cur = next
	}
	return cur, nil
}

func nodeName(blob []byte, hdr Header, nodeOff NodeOffset) (string, error) {
	_, payloadOff, _, err := NextTag(blob, hdr, int(nodeOff))
	if err != nil {
		return "", err
	}
	raw, err := structCStringAt(blob, hdr, payloadOff)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// subnodeNameMatches applies libfdt's fdt_subnode_offset matching
// policy: if name contains "@", the whole child name must match
// exactly; otherwise childName matches if it equals name up through
// childName's own "@" (unit address) suffix, or in full if childName
// has no "@" at all.
func subnodeNameMatches(childName, name string) bool {
	if strings.Contains(name, "@") {
		return childName == name
	}
	if i := strings.IndexByte(childName, '@'); i >= 0 {
		return childName[:i] == name
	}
	return childName == name
}

// SubnodeOffset returns the offset of the direct child of nodeOff
// named name. name matching follows libfdt's fdt_subnode_offset
// policy: a name without "@" matches any child whose name, up to its
// own unit address, equals name; ties are broken by first match in
// stream order.
func SubnodeOffset(blob []byte, hdr Header, nodeOff NodeOffset, name string) (NodeOffset, error) {
	cur, err := firstPropOffset(blob, hdr, nodeOff)
	if err != nil {
		return 0, err
	}
	for {
		tag, payloadOff, next, err := NextTag(blob, hdr, cur)
		if err != nil {
			return 0, err
		}
		switch tag {
		case TagNop, TagProp:
			cur = next
		case TagBeginNode:
			childName, nErr := structCStringAt(blob, hdr, payloadOff)
			if nErr != nil {
				return 0, nErr
			}
			if subnodeNameMatches(string(childName), name) {
				return NodeOffset(cur), nil
			}
			cur, err = skipSubtree(blob, hdr, cur)
			if err != nil {
				return 0, err
			}
		default:
			return 0, errf("SubnodeOffset", ErrKindNotFound)
		}
	}
}

// PathOffset resolves a slash-separated absolute path (such as
// "/soc/uart@1000") to a node offset. "/" resolves to RootOffset.
func PathOffset(blob []byte, hdr Header, path string) (NodeOffset, error) {
	if !strings.HasPrefix(path, "/") {
		return 0, errf("PathOffset", ErrKindBadPath)
	}
	cur := RootOffset
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return cur, nil
	}
	for _, name := range strings.Split(trimmed, "/") {
		if name == "" {
			continue
		}
		next, err := SubnodeOffset(blob, hdr, cur, name)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

// Depth returns nodeOff's nesting depth, with the root at depth 0.
func Depth(blob []byte, hdr Header, nodeOff NodeOffset) (int, error) {
	if nodeOff == RootOffset {
		return 0, nil
	}
	depth := 0
	cur := RootOffset
	for {
		next, err := NextNode(blob, hdr, cur, &depth)
		if err != nil {
			return 0, wrapf("Depth", ErrKindBadOffset, err)
		}
		if next == nodeOff {
			return depth, nil
		}
		cur = next
	}
}

// SupernodeAtDepth returns the ancestor of nodeOff at supernodeDepth
// (0 is the root). If supernodeDepth is nodeOff's own depth, nodeOff
// itself is returned.
func SupernodeAtDepth(blob []byte, hdr Header, nodeOff NodeOffset, supernodeDepth int) (NodeOffset, error) {
	if supernodeDepth < 0 {
		return 0, errf("SupernodeAtDepth", ErrKindBadOffset)
	}
	if nodeOff == RootOffset {
		if supernodeDepth != 0 {
			return 0, errf("SupernodeAtDepth", ErrKindBadOffset)
		}
		return RootOffset, nil
	}
	depth := 0
	cur := RootOffset
	ancestors := []NodeOffset{RootOffset}
	for {
		next, err := NextNode(blob, hdr, cur, &depth)
		if err != nil {
			return 0, wrapf("SupernodeAtDepth", ErrKindBadOffset, err)
		}
		if depth < len(ancestors) {
			ancestors = ancestors[:depth]
		}
		ancestors = append(ancestors, next)
		if next == nodeOff {
			if supernodeDepth > depth {
				return 0, errf("SupernodeAtDepth", ErrKindBadOffset)
			}
			return ancestors[supernodeDepth], nil
		}
		cur = next
	}
}

// ParentOffset returns the direct parent of nodeOff. Calling it on the
// root returns ErrKindNotFound.
func ParentOffset(blob []byte, hdr Header, nodeOff NodeOffset) (NodeOffset, error) {
	depth, err := Depth(blob, hdr, nodeOff)
	if err != nil {
		return 0, err
	}
	if depth == 0 {
		return 0, errf("ParentOffset", ErrKindNotFound)
	}
	return SupernodeAtDepth(blob, hdr, nodeOff, depth-1)
}

// NodePath reconstructs nodeOff's absolute path.
func NodePath(blob []byte, hdr Header, nodeOff NodeOffset) (string, error) {
	if nodeOff == RootOffset {
		return "/", nil
	}
	depth, err := Depth(blob, hdr, nodeOff)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, depth)
	cur := nodeOff
	for d := depth; d > 0; d-- {
		name, nErr := nodeName(blob, hdr, cur)
		if nErr != nil {
			return "", nErr
		}
		names = append(names, name)
		parent, pErr := SupernodeAtDepth(blob, hdr, nodeOff, d-1)
		if pErr != nil {
			return "", pErr
		}
		cur = parent
	}
	// names was accumulated root-ward; reverse into path order.
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/"), nil
}

// NodeOffsetByPropValue scans nodes in preorder starting from startOff
// (RootOffset to scan the whole tree) for the first whose property
// propname has value equal to propval.
func NodeOffsetByPropValue(blob []byte, hdr Header, startOff NodeOffset, propname string, propval []byte) (NodeOffset, error) {
	cur := startOff
	depth, err := Depth(blob, hdr, startOff)
	if err != nil {
		return 0, err
	}
	for {
		val, err := GetPropValue(blob, hdr, cur, propname)
		if err == nil && bytes.Equal(val, propval) {
			return cur, nil
		}
		next, nErr := NextNode(blob, hdr, cur, &depth)
		if nErr != nil {
			return 0, errf("NodeOffsetByPropValue", ErrKindNotFound)
		}
		cur = next
	}
}

// NodeCheckCompatible reports whether nodeOff's "compatible" property
// lists compat among its entries.
func NodeCheckCompatible(blob []byte, hdr Header, nodeOff NodeOffset, compat string) error {
	val, err := GetPropValue(blob, hdr, nodeOff, "compatible")
	if err != nil {
		return err
	}
	for _, s := range StringListProperty(val) {
		if s == compat {
			return nil
		}
	}
	return errf("NodeCheckCompatible", ErrKindNotFound)
}

// NodeOffsetByCompatible scans nodes in preorder starting from
// startOff for the first whose "compatible" property lists compat.
func NodeOffsetByCompatible(blob []byte, hdr Header, startOff NodeOffset, compat string) (NodeOffset, error) {
	cur := startOff
	depth, err := Depth(blob, hdr, startOff)
	if err != nil {
		return 0, err
	}
	for {
		if NodeCheckCompatible(blob, hdr, cur, compat) == nil {
			return cur, nil
		}
		next, err := NextNode(blob, hdr, cur, &depth)
		if err != nil {
			return 0, errf("NodeOffsetByCompatible", ErrKindNotFound)
		}
		cur = next
	}
}

// tryUint32Property looks up name on nodeOff and returns it decoded as
// a big-endian uint32 cell, or a !OK Optional if the property is
// absent or malformed.
func tryUint32Property(blob []byte, hdr Header, nodeOff NodeOffset, name string) containers.Optional[uint32] {
	val, err := GetPropValue(blob, hdr, nodeOff, name)
	if err != nil {
		return containers.Optional[uint32]{}
	}
	u, err := Uint32Property(val)
	if err != nil {
		return containers.Optional[uint32]{}
	}
	return containers.Optional[uint32]{OK: true, Val: u}
}

// GetPHandle returns nodeOff's phandle, checking the modern "phandle"
// property and falling back to the deprecated "linux,phandle" alias.
func GetPHandle(blob []byte, hdr Header, nodeOff NodeOffset) (uint32, error) {
	if ph := tryUint32Property(blob, hdr, nodeOff, "phandle"); ph.OK {
		return ph.Val, nil
	}
	if ph := tryUint32Property(blob, hdr, nodeOff, "linux,phandle"); ph.OK {
		return ph.Val, nil
	}
	return 0, errf("GetPHandle", ErrKindNotFound)
}

// NodeOffsetByPHandle scans the whole tree for the node whose phandle
// equals handle.
func NodeOffsetByPHandle(blob []byte, hdr Header, handle uint32) (NodeOffset, error) {
	if handle == 0 {
		return 0, errf("NodeOffsetByPHandle", ErrKindBadOffset)
	}
	cur := RootOffset
	depth := 0
	for {
		if ph, err := GetPHandle(blob, hdr, cur); err == nil && ph == handle {
			return cur, nil
		}
		next, err := NextNode(blob, hdr, cur, &depth)
		if err != nil {
			return 0, errf("NodeOffsetByPHandle", ErrKindNotFound)
		}
		cur = next
	}
}
