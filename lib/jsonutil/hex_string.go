// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jsonutil provides utilities for implementing the interfaces
// consumed by the "git.lukeshu.com/go/lowmemjson" package.
package jsonutil

import (
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"
)

func EncodeHexString[T ~[]byte | ~string](w io.Writer, str T) error {
	const hextable = "0123456789abcdef"
	var buf [2]byte
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	for i := 0; i < len(str); i++ {
		buf[0] = hextable[str[i]>>4]
		buf[1] = hextable[str[i]&0x0f]
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	buf[0] = '"'
	if _, err := w.Write(buf[:1]); err != nil {
		return err
	}
	return nil
}

func DecodeHexString(r io.RuneScanner, dst io.ByteWriter) error {
	dec := &hexDecoder{dst: dst}
	if err := lowmemjson.DecodeString(r, dec); err != nil {
		return err
	}
	return dec.Close()
}

// EncodeSplitHexString encodes str as a JSON array of hex strings,
// each covering at most chunkSize bytes of str, so that FDT property
// values (which can run to several KiB for things like initrd blobs)
// don't land on a single unreadable multi-thousand-character JSON
// line.
func EncodeSplitHexString[T ~[]byte | ~string](w io.Writer, str T, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = len(str)
	}
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	for i := 0; i < len(str); i += chunkSize {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		end := i + chunkSize
		if end > len(str) {
			end = len(str)
		}
		if err := EncodeHexString(w, str[i:end]); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "]")
	return err
}

// DecodeSplitHexString is the inverse of EncodeSplitHexString: it
// reads a JSON array of hex strings and writes their concatenated
// bytes to dst.
func DecodeSplitHexString(r io.RuneScanner, dst io.ByteWriter) error {
	if err := skipRune(r, '['); err != nil {
		return err
	}
	first := true
	for {
		c, _, err := r.ReadRune()
		if err != nil {
			return err
		}
		if c == ']' {
			return nil
		}
		if !first {
			if c != ',' {
				return fmt.Errorf("jsonutil: expected ',' or ']', got %q", c)
			}
			c, _, err = r.ReadRune()
			if err != nil {
				return err
			}
		}
		first = false
		if err := r.UnreadRune(); err != nil {
			return err
		}
		dec := &hexDecoder{dst: dst}
		if err := lowmemjson.DecodeString(r, dec); err != nil {
			return err
		}
		if err := dec.Close(); err != nil {
			return err
		}
	}
}

func skipRune(r io.RuneScanner, want rune) error {
	c, _, err := r.ReadRune()
	if err != nil {
		return err
	}
	if c != want {
		return fmt.Errorf("jsonutil: expected %q, got %q", want, c)
	}
	return nil
}
