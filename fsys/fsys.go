// Package fsys holds the pieces shared by every layer of the image stack:
// the error taxonomy and the clamped byte window each layer is built from.
//
// A VDI container is a window onto its host file, a partition is a window
// onto the logical disk, and ext2 blocks are addressed inside the partition.
// Each layer talks only to the one directly beneath it.
package fsys

import (
	"errors"
	"fmt"
	"io"
)

// Error kinds. Every failure returned by this module matches exactly one of
// these under errors.Is.
var (
	// ErrFormat reports an on-disk structure that cannot be interpreted:
	// bad container signature, truncated header, bad superblock magic.
	ErrFormat = errors.New("bad format")

	// ErrRange reports an argument outside its valid domain: partition
	// index, inode number, seek target.
	ErrRange = errors.New("out of range")

	// ErrIO reports a failed or short transfer on the underlying storage.
	ErrIO = errors.New("i/o failure")
)

// Error annotates a failure with the layer that detected it.
type Error struct {
	Layer string // "vdi", "part", "ext", ...
	Op    string // what was being attempted
	Kind  error  // ErrFormat, ErrRange or ErrIO
	Err   error  // underlying cause, may be nil
}

// NewError returns an *Error. err may be nil.
func NewError(layer string, kind error, op string, err error) *Error {
	return &Error{Layer: layer, Op: op, Kind: kind, Err: err}
}

// Errorf is NewError with a formatted Op and no underlying cause.
func Errorf(layer string, kind error, format string, args ...any) *Error {
	return &Error{Layer: layer, Op: fmt.Sprintf(format, args...), Kind: kind}
}

func (e *Error) Error() string {
	msg := e.Layer + ": " + e.Op
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap annotates err with layer and op, keeping the kind err already
// carries. Errors of no known kind are classified as ErrIO.
func Wrap(layer, op string, err error) *Error {
	kind := KindOf(err)
	if kind == nil {
		kind = ErrIO
	}
	return &Error{Layer: layer, Op: op, Kind: kind, Err: err}
}

// KindOf returns ErrFormat, ErrRange or ErrIO for err, or nil if err carries
// none of them.
func KindOf(err error) error {
	for _, k := range []error{ErrFormat, ErrRange, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// ReadOnlyError is returned for any write to a device opened read-only.
type ReadOnlyError struct{}

func (e ReadOnlyError) Error() string {
	return "device is read-only"
}

// ReaderWriterAt is the random-access storage a Window is layered on.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// Device is a byte-addressed, bounded storage layer.
type Device interface {
	ReaderWriterAt

	// Size returns the number of addressable bytes.
	Size() int64
}

// Window is the byte range [start, start+size) of a base store, addressed
// from zero. Transfers never cross the end of the window.
type Window struct {
	base  ReaderWriterAt
	start int64
	size  int64
}

// NewWindow returns the window [start, start+size) onto base.
func NewWindow(base ReaderWriterAt, start, size int64) *Window {
	return &Window{base: base, start: start, size: size}
}

// Start returns the offset of the window within its base.
func (w *Window) Start() int64 { return w.start }

// Size returns the length of the window.
func (w *Window) Size() int64 { return w.size }

// Base returns the store the window is layered on.
func (w *Window) Base() ReaderWriterAt { return w.base }

// clamp returns how many of n bytes at off fit in the window.
func (w *Window) clamp(off int64, n int) int {
	if remain := w.size - off; int64(n) > remain {
		return int(remain)
	}
	return n
}

// ReadAt implements io.ReaderAt. At or past the end it returns 0, io.EOF;
// a read cut short by the end of the window returns the short count with
// io.EOF.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf("window", ErrRange, "read at negative offset %d", off)
	}
	if off >= w.size {
		return 0, io.EOF
	}

	want := w.clamp(off, len(p))
	n, err := w.base.ReadAt(p[:want], w.start+off)
	if err != nil && err != io.EOF {
		return n, NewError("window", ErrIO, fmt.Sprintf("read %d bytes at %d", want, w.start+off), err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. A write cut short by the end of the window
// returns the short count with io.ErrShortWrite.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf("window", ErrRange, "write at negative offset %d", off)
	}
	if off >= w.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.ErrShortWrite
	}

	want := w.clamp(off, len(p))
	n, err := w.base.WriteAt(p[:want], w.start+off)
	if err != nil {
		return n, NewError("window", ErrIO, fmt.Sprintf("write %d bytes at %d", want, w.start+off), err)
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
