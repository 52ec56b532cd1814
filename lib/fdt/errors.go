// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fdt

// ErrKind enumerates the closed taxonomy of ways an fdt operation can
// fail.
type ErrKind int

const (
	_ ErrKind = iota
	// ErrKindNotFound: requested node/property absent.
	ErrKindNotFound
	// ErrKindExists: creating a duplicate node/property.
	ErrKindExists
	// ErrKindNoSpace: operation would exceed buffer capacity.
	ErrKindNoSpace
	// ErrKindBadOffset: given offset is out of range or not at an expected tag.
	ErrKindBadOffset
	// ErrKindBadPath: path malformed (missing leading '/').
	ErrKindBadPath
	// ErrKindBadState: sequential writer operation issued outside its legal state.
	ErrKindBadState
	// ErrKindTruncated: structure block lacks terminating END.
	ErrKindTruncated
	// ErrKindBadMagic: blob is not an FDT.
	ErrKindBadMagic
	// ErrKindBadVersion: version outside supported range.
	ErrKindBadVersion
	// ErrKindBadStructure: tag stream corrupt.
	ErrKindBadStructure
	// ErrKindBadLayout: read-write op needs canonical sub-block order.
	ErrKindBadLayout
	// ErrKindInternal: internal consistency check failed.
	ErrKindInternal
)

var errKindStrings = map[ErrKind]string{
	ErrKindNotFound:     "FDT_ERR_NOTFOUND: node or property not found",
	ErrKindExists:       "FDT_ERR_EXISTS: node or property already exists",
	ErrKindNoSpace:      "FDT_ERR_NOSPACE: not enough space in the blob",
	ErrKindBadOffset:    "FDT_ERR_BADOFFSET: offset out-of-bounds or malformed",
	ErrKindBadPath:      "FDT_ERR_BADPATH: badly formatted path",
	ErrKindBadState:     "FDT_ERR_BADSTATE: operation not valid in the writer's current state",
	ErrKindTruncated:    "FDT_ERR_TRUNCATED: structure block is truncated",
	ErrKindBadMagic:     "FDT_ERR_BADMAGIC: blob does not have the correct magic number",
	ErrKindBadVersion:   "FDT_ERR_BADVERSION: blob has incompatible version",
	ErrKindBadStructure: "FDT_ERR_BADSTRUCTURE: structure block is corrupt",
	ErrKindBadLayout:    "FDT_ERR_BADLAYOUT: blob is not in a layout this operation supports",
	ErrKindInternal:     "FDT_ERR_INTERNAL: internal error",
}

// String renders the fixed, human-readable message for kind, mirroring
// libfdt's fdt_strerror. The string is static data; no allocation or
// global mutable state is involved.
func (kind ErrKind) String() string {
	if s, ok := errKindStrings[kind]; ok {
		return s
	}
	return "FDT_ERR_UNKNOWN: unknown error"
}

// Error lets an ErrKind be used directly as an errors.Is target:
// errors.Is(err, fdt.ErrKindNotFound).
func (kind ErrKind) Error() string { return kind.String() }

// Error is the concrete error type returned by every fallible
// operation in this package. Op names the failing operation (for
// example "GetProperty" or "AddSubnode"); Kind classifies the failure
// so that callers can errors.Is/As against it; Err, when non-nil,
// wraps a lower-level cause (such as a binstruct unmarshal failure).
type Error struct {
	Op   string
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, SomeErrKind) work directly against a sentinel
// ErrKind value, without requiring callers to construct an *Error.
func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrKind); ok {
		return e.Kind == k
	}
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return false
}

func errf(op string, kind ErrKind) error {
	return &Error{Op: op, Kind: kind}
}

func wrapf(op string, kind ErrKind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
