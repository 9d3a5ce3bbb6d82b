package format

import "errors"

var (
	// ErrTagMismatch indicates the header does not carry the probguard zone tag.
	ErrTagMismatch = errors.New("format: zone tag mismatch")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrVersion indicates a layout version this build cannot read.
	ErrVersion = errors.New("format: unsupported layout version")
)
