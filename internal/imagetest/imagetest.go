// Package imagetest synthesises VDI images, boot sectors and small ext2
// volumes for tests. It encodes every structure by hand so that it can serve
// as an independent oracle for the decoders under test.
package imagetest

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
)

const (
	SectorSize = 512

	// VDISignature is the container magic at header offset 0x40.
	VDISignature = 0xBEDA107F

	// DefaultFrameOffset is where the logical disk starts in images built
	// by Image.
	DefaultFrameOffset = 0x200000
)

// Mem is an in-memory fsys.Device.
type Mem struct {
	Data []byte
}

// NewMem returns a zeroed device of n bytes.
func NewMem(n int) *Mem { return &Mem{Data: make([]byte, n)} }

func (m *Mem) Size() int64 { return int64(len(m.Data)) }

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.Data)) {
		return 0, io.ErrShortWrite
	}
	n := copy(m.Data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Header describes the VDI header fields written by Image.
type Header struct {
	ImageName   string
	Signature   uint32
	ImageType   uint32
	MapOffset   uint32
	FrameOffset uint32
	FrameSize   uint32
	DiskSize    uint64
}

// EncodeHeader returns a 512-byte header block for h.
func EncodeHeader(h Header) []byte {
	b := make([]byte, 512)
	copy(b[0x00:0x40], h.ImageName)
	le := binary.LittleEndian
	le.PutUint32(b[0x40:], h.Signature)
	le.PutUint32(b[0x44:], 0x00010001)
	le.PutUint32(b[0x48:], 0x190)
	le.PutUint32(b[0x4C:], h.ImageType)
	le.PutUint32(b[0x154:], h.MapOffset)
	le.PutUint32(b[0x158:], h.FrameOffset)
	le.PutUint32(b[0x15C:], h.FrameSize)
	le.PutUint32(b[0x168:], SectorSize)
	le.PutUint64(b[0x170:], h.DiskSize)
	le.PutUint32(b[0x178:], 1<<20)
	return b
}

// Image wraps a logical disk in a fixed VDI container whose data starts at
// DefaultFrameOffset.
func Image(disk []byte) []byte {
	h := Header{
		ImageName:   "<<< Oracle VM VirtualBox Disk Image >>>\n",
		Signature:   VDISignature,
		ImageType:   2,
		MapOffset:   0x200,
		FrameOffset: DefaultFrameOffset,
		DiskSize:    uint64(len(disk)),
	}
	img := make([]byte, int(h.FrameOffset)+len(disk))
	copy(img, EncodeHeader(h))
	copy(img[h.FrameOffset:], disk)
	return img
}

// WriteFile writes data to name inside a per-test temporary directory and
// returns its path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// Partition is one boot-sector entry.
type Partition struct {
	Status      byte
	FirstCHS    [3]byte
	Type        byte
	LastCHS     [3]byte
	FirstLBA    uint32
	SectorCount uint32
}

// BootSector encodes up to four partition entries and the 0x55AA signature.
func BootSector(parts ...Partition) []byte {
	b := make([]byte, SectorSize)
	for i, p := range parts {
		if i == 4 {
			break
		}
		e := b[446+i*16 : 446+(i+1)*16]
		e[0] = p.Status
		copy(e[1:4], p.FirstCHS[:])
		e[4] = p.Type
		copy(e[5:8], p.LastCHS[:])
		binary.LittleEndian.PutUint32(e[8:12], p.FirstLBA)
		binary.LittleEndian.PutUint32(e[12:16], p.SectorCount)
	}
	b[510] = 0x55
	b[511] = 0xAA
	return b
}

// Disk lays out a logical disk of size bytes with a boot sector describing
// one Linux partition at firstLBA holding content.
func Disk(size int, firstLBA uint32, content []byte) []byte {
	disk := make([]byte, size)
	copy(disk, BootSector(Partition{
		Status:      0x80,
		Type:        0x83,
		FirstLBA:    firstLBA,
		SectorCount: uint32(len(content) / SectorSize),
	}))
	copy(disk[int(firstLBA)*SectorSize:], content)
	return disk
}
