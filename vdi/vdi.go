// Package vdi opens VirtualBox disk images and exposes the logical disk
// embedded in them as a byte-addressed device.
//
// Only the fixed header fields are interpreted. The logical disk is taken to
// start at the header's data offset and run contiguously for the declared
// disk size; block-map translation of dynamic images is not performed.
package vdi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"github.com/lvdlvd/vdiext/fsys"
)

const (
	// HeaderSize is the number of bytes read and decoded from the start
	// of the image.
	HeaderSize = 400

	// Signature is the magic value stored at offset 0x40.
	Signature = 0xBEDA107F
)

// Image types stored at offset 0x4C.
const (
	TypeDynamic = 1
	TypeFixed   = 2
	TypeUndo    = 3
	TypeDiff    = 4
)

// Header holds the decoded fixed fields of a VDI header.
type Header struct {
	ImageName       string // text banner at 0x00
	Signature       uint32 // 0x40
	Version         uint32 // 0x44, major<<16 | minor
	HeaderSize      uint32 // 0x48
	ImageType       uint32 // 0x4C
	ImageFlags      uint32 // 0x50
	Description     string // 0x54
	MapOffset       uint32 // 0x154, offset of the block map
	FrameOffset     uint32 // 0x158, physical byte where the logical disk begins
	FrameSize       uint32 // 0x15C
	SectorSize      uint32 // 0x168
	DiskSize        uint64 // 0x170, logical disk size in bytes
	BlockSize       uint32 // 0x178
	BlockExtraSize  uint32 // 0x17C
	BlocksInImage   uint32 // 0x180
	BlocksAllocated uint32 // 0x184
}

// TypeString returns a readable name for the image type.
func (h Header) TypeString() string {
	switch h.ImageType {
	case TypeDynamic:
		return "dynamic"
	case TypeFixed:
		return "fixed"
	case TypeUndo:
		return "undo"
	case TypeDiff:
		return "diff"
	default:
		return fmt.Sprintf("0x%X", h.ImageType)
	}
}

// VersionString formats Version as major.minor.
func (h Header) VersionString() string {
	return fmt.Sprintf("%d.%d", h.Version>>16, h.Version&0xFFFF)
}

// ParseHeader decodes a header block. data must hold at least HeaderSize
// bytes and carry the VDI signature.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fsys.Errorf("vdi", fsys.ErrFormat, "header is %d bytes, need %d", len(data), HeaderSize)
	}

	le := binary.LittleEndian
	h := Header{
		ImageName:       cString(data[0x00:0x40]),
		Signature:       le.Uint32(data[0x40:0x44]),
		Version:         le.Uint32(data[0x44:0x48]),
		HeaderSize:      le.Uint32(data[0x48:0x4C]),
		ImageType:       le.Uint32(data[0x4C:0x50]),
		ImageFlags:      le.Uint32(data[0x50:0x54]),
		Description:     cString(data[0x54:0x154]),
		MapOffset:       le.Uint32(data[0x154:0x158]),
		FrameOffset:     le.Uint32(data[0x158:0x15C]),
		FrameSize:       le.Uint32(data[0x15C:0x160]),
		SectorSize:      le.Uint32(data[0x168:0x16C]),
		DiskSize:        le.Uint64(data[0x170:0x178]),
		BlockSize:       le.Uint32(data[0x178:0x17C]),
		BlockExtraSize:  le.Uint32(data[0x17C:0x180]),
		BlocksInImage:   le.Uint32(data[0x180:0x184]),
		BlocksAllocated: le.Uint32(data[0x184:0x188]),
	}

	if h.Signature != Signature {
		return Header{}, fsys.Errorf("vdi", fsys.ErrFormat, "bad signature 0x%08X", h.Signature)
	}
	return h, nil
}

// Encode writes h into the first HeaderSize bytes of data, the inverse of
// ParseHeader. Bytes not covered by a field are left untouched.
func (h Header) Encode(data []byte) {
	le := binary.LittleEndian
	copy(data[0x00:0x40], padded(h.ImageName, 0x40))
	le.PutUint32(data[0x40:0x44], h.Signature)
	le.PutUint32(data[0x44:0x48], h.Version)
	le.PutUint32(data[0x48:0x4C], h.HeaderSize)
	le.PutUint32(data[0x4C:0x50], h.ImageType)
	le.PutUint32(data[0x50:0x54], h.ImageFlags)
	copy(data[0x54:0x154], padded(h.Description, 0x100))
	le.PutUint32(data[0x154:0x158], h.MapOffset)
	le.PutUint32(data[0x158:0x15C], h.FrameOffset)
	le.PutUint32(data[0x15C:0x160], h.FrameSize)
	le.PutUint32(data[0x168:0x16C], h.SectorSize)
	le.PutUint64(data[0x170:0x178], h.DiskSize)
	le.PutUint32(data[0x178:0x17C], h.BlockSize)
	le.PutUint32(data[0x17C:0x180], h.BlockExtraSize)
	le.PutUint32(data[0x180:0x184], h.BlocksInImage)
	le.PutUint32(data[0x184:0x188], h.BlocksAllocated)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

type options struct {
	readOnly bool
}

// Option configures Open.
type Option func(*options)

// ReadOnly opens the image without write access and takes a shared lock
// instead of an exclusive one.
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// Disk is an open VDI image. It owns the image file handle exclusively
// (shared when read-only) for its lifetime.
type Disk struct {
	f        *os.File
	lock     *flock.Flock
	path     string
	header   Header
	frame    *fsys.Window
	readOnly bool
}

// Compiles only if Disk implements fsys.Device.
var _ fsys.Device = (*Disk)(nil)

// Open opens the image at path, locks it and decodes its header.
func Open(path string, opts ...Option) (d *Disk, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	flag := os.O_RDWR
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fsys.NewError("vdi", fsys.ErrFormat, "opening image", err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	lock := flock.New(path)
	tryLock := lock.TryLock
	if o.readOnly {
		tryLock = lock.TryRLock
	}
	locked, err := tryLock()
	if err != nil {
		return nil, fsys.NewError("vdi", fsys.ErrIO, "locking image", err)
	}
	if !locked {
		return nil, fsys.Errorf("vdi", fsys.ErrIO, "image %s is locked by another user", path)
	}
	defer func() {
		if err != nil {
			lock.Unlock()
		}
	}()

	data := make([]byte, HeaderSize)
	n, err := f.ReadAt(data, 0)
	if n < HeaderSize {
		return nil, fsys.NewError("vdi", fsys.ErrFormat, fmt.Sprintf("reading header: got %d of %d bytes", n, HeaderSize), err)
	}

	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	return &Disk{
		f:        f,
		lock:     lock,
		path:     path,
		header:   h,
		frame:    fsys.NewWindow(f, int64(h.FrameOffset), int64(h.DiskSize)),
		readOnly: o.readOnly,
	}, nil
}

// Header returns the decoded header.
func (d *Disk) Header() Header { return d.header }

// Path returns the path the image was opened from.
func (d *Disk) Path() string { return d.path }

// Size returns the logical disk size.
func (d *Disk) Size() int64 { return int64(d.header.DiskSize) }

// ReadOnly reports whether the image was opened without write access.
func (d *Disk) ReadOnly() bool { return d.readOnly }

// ReadAt reads from the logical disk. Offsets at or past the disk size yield
// 0, io.EOF. The count is clamped to the disk size and may also fall short at
// the physical end of the image file, in which case io.EOF is returned.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if d.f == nil {
		return 0, fsys.NewError("vdi", fsys.ErrIO, "read", os.ErrClosed)
	}
	n, err := d.frame.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fsys.Wrap("vdi", fmt.Sprintf("read %d bytes at %d", len(p), off), err)
	}
	return n, err
}

// WriteAt writes to the logical disk with the same clamping and translation
// as ReadAt. A write cut short by the disk size returns io.ErrShortWrite.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if d.f == nil {
		return 0, fsys.NewError("vdi", fsys.ErrIO, "write", os.ErrClosed)
	}
	if d.readOnly {
		return 0, fsys.NewError("vdi", fsys.ErrIO, "write", fsys.ReadOnlyError{})
	}
	n, err := d.frame.WriteAt(p, off)
	if err != nil && err != io.ErrShortWrite {
		return n, fsys.Wrap("vdi", fmt.Sprintf("write %d bytes at %d", len(p), off), err)
	}
	return n, err
}

// Sync flushes the image file to stable storage.
func (d *Disk) Sync() error {
	if d.f == nil || d.readOnly {
		return nil
	}
	if err := d.f.Sync(); err != nil {
		return fsys.NewError("vdi", fsys.ErrIO, "sync", err)
	}
	return nil
}

// Close releases the file handle and the lock. It is safe to call Close
// more than once.
func (d *Disk) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	if uerr := d.lock.Unlock(); err == nil {
		err = uerr
	}
	d.f = nil
	return err
}
