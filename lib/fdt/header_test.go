// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/fdt-ng/lib/fdt"
)

func TestCheckHeaderRejectsBadMagic(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	blob[0] ^= 0xff
	_, err := fdt.CheckHeader(blob)
	assert.ErrorIs(t, err, fdt.ErrKindBadMagic)
}

func TestCheckHeaderRejectsTruncated(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	_, err := fdt.CheckHeader(blob[:fdt.HeaderSize-1])
	assert.ErrorIs(t, err, fdt.ErrKindTruncated)
}

func TestCheckHeaderRejectsOldVersion(t *testing.T) {
	t.Parallel()
	blob := buildSampleTree(t)
	hdr, err := fdt.ReadHeader(blob)
	require.NoError(t, err)
	hdr.Version = 5
	require.NoError(t, fdt.WriteHeader(blob, hdr))
	_, err = fdt.CheckHeader(blob)
	assert.ErrorIs(t, err, fdt.ErrKindBadVersion)
}

// FuzzWalkNeverPanics feeds arbitrary bytes through CheckHeader and
// Walk; malformed input must produce an error, never a panic, since
// callers hand this package buffers read from untrusted boot media.
func FuzzWalkNeverPanics(f *testing.F) {
	f.Add(buildSampleTreeBytes())
	f.Fuzz(func(t *testing.T, dat []byte) {
		hdr, err := fdt.CheckHeader(dat)
		if err != nil {
			return
		}
		_ = fdt.Walk(dat, hdr, 0, func(fdt.Tag, int, int, int) (bool, error) {
			return true, nil
		})
	})
}

func buildSampleTreeBytes() []byte {
	w, _ := fdt.NewWriter(make([]byte, 4096))
	_ = w.BeginNode("")
	_ = w.Property("compatible", append([]byte("vendor,board"), 0))
	_ = w.EndNode()
	blob, _ := w.Finish()
	return blob
}
