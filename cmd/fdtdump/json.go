// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"io"

	"git.lukeshu.com/go/lowmemjson"

	"git.lukeshu.com/fdt-ng/lib/fdt"
	"git.lukeshu.com/fdt-ng/lib/jsonutil"
)

type jsonProperty struct {
	Name  string              `json:"name"`
	Value jsonutil.Binary[[]byte] `json:"value"`
}

type jsonNode struct {
	Name       string         `json:"name"`
	Properties []jsonProperty `json:"properties,omitempty"`
	Children   []jsonNode     `json:"children,omitempty"`
}

func buildJSONNode(blob []byte, hdr fdt.Header, off fdt.NodeOffset, depth int) (jsonNode, error) {
	path, err := fdt.NodePath(blob, hdr, off)
	if err != nil {
		return jsonNode{}, err
	}
	name := path
	if off != fdt.RootOffset {
		if i := lastSlash(path); i >= 0 {
			name = path[i+1:]
		}
	}
	node := jsonNode{Name: name}

	if err := fdt.ForEachProperty(blob, hdr, off, func(propName string, val []byte, _ int) (bool, error) {
		node.Properties = append(node.Properties, jsonProperty{
			Name:  propName,
			Value: jsonutil.Binary[[]byte]{Val: append([]byte(nil), val...)},
		})
		return true, nil
	}); err != nil {
		return jsonNode{}, err
	}

	depthCursor := depth
	child := off
	for {
		next, err := fdt.NextNode(blob, hdr, child, &depthCursor)
		if err != nil {
			break
		}
		if depthCursor <= depth {
			break
		}
		if depthCursor > depth+1 {
			child = next
			continue
		}
		childNode, err := buildJSONNode(blob, hdr, next, depth+1)
		if err != nil {
			return jsonNode{}, err
		}
		node.Children = append(node.Children, childNode)
		child = next
	}
	return node, nil
}

func dumpJSON(w io.Writer, blob []byte, hdr fdt.Header) error {
	root, err := buildJSONNode(blob, hdr, fdt.RootOffset, 0)
	if err != nil {
		return err
	}
	buffer := bufio.NewWriter(w)
	cfg := lowmemjson.ReEncoderConfig{
		Out:                   buffer,
		Indent:                "\t",
		ForceTrailingNewlines: true,
	}
	if err := lowmemjson.Encode(&cfg, root); err != nil {
		return err
	}
	return buffer.Flush()
}
