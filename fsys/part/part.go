// Package part parses the classic boot-sector partition table and exposes
// each partition as a cursor-addressed window onto the logical disk.
package part

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lvdlvd/vdiext/fsys"
)

const (
	SectorSize = 512

	// NumEntries is the number of primary partition slots.
	NumEntries = 4

	entriesOffset = 446
	entrySize     = 16
)

// CHS is a decoded cylinder/head/sector address. It is descriptive only;
// the LBA fields of an Entry are authoritative.
type CHS struct {
	Cylinder uint16
	Head     uint8
	Sector   uint8
}

func (c CHS) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Cylinder, c.Head, c.Sector)
}

// DecodeCHS unpacks the 3-byte on-disk CHS encoding.
func DecodeCHS(b [3]byte) CHS {
	return CHS{
		Head:     b[0],
		Sector:   b[1] & 0x3F,
		Cylinder: uint16(b[2]) + uint16(b[1]&0xC0)<<2,
	}
}

// Entry is one 16-byte partition table slot.
type Entry struct {
	Status      byte
	FirstCHS    [3]byte
	Type        byte
	LastCHS     [3]byte
	FirstLBA    uint32
	SectorCount uint32
}

// Active reports whether the boot flag is set.
func (e Entry) Active() bool { return e.Status&0x80 != 0 }

// Empty reports an unused slot.
func (e Entry) Empty() bool { return e.Type == 0 && e.SectorCount == 0 }

// StartByte is the byte offset of the partition on the disk.
func (e Entry) StartByte() int64 { return int64(e.FirstLBA) * SectorSize }

// SizeBytes is the partition length in bytes.
func (e Entry) SizeBytes() int64 { return int64(e.SectorCount) * SectorSize }

// First decodes the CHS address of the first sector.
func (e Entry) First() CHS { return DecodeCHS(e.FirstCHS) }

// Last decodes the CHS address of the last sector.
func (e Entry) Last() CHS { return DecodeCHS(e.LastCHS) }

// Table is a decoded boot sector.
type Table struct {
	Entries   [NumEntries]Entry
	signature uint16
}

// HasSignature reports whether the sector ends in 0x55 0xAA. Addressing does
// not depend on it.
func (t *Table) HasSignature() bool { return t.signature == 0xAA55 }

// Parse decodes the partition entries of a boot sector.
func Parse(sector []byte) (*Table, error) {
	if len(sector) < SectorSize {
		return nil, fsys.Errorf("part", fsys.ErrFormat, "boot sector is %d bytes, need %d", len(sector), SectorSize)
	}

	t := &Table{signature: binary.LittleEndian.Uint16(sector[510:512])}
	for i := range t.Entries {
		raw := sector[entriesOffset+i*entrySize : entriesOffset+(i+1)*entrySize]
		e := &t.Entries[i]
		e.Status = raw[0]
		copy(e.FirstCHS[:], raw[1:4])
		e.Type = raw[4]
		copy(e.LastCHS[:], raw[5:8])
		e.FirstLBA = binary.LittleEndian.Uint32(raw[8:12])
		e.SectorCount = binary.LittleEndian.Uint32(raw[12:16])
	}
	return t, nil
}

// ReadTable reads and parses sector 0 of d.
func ReadTable(d fsys.Device) (*Table, error) {
	sector := make([]byte, SectorSize)
	n, err := d.ReadAt(sector, 0)
	if n < SectorSize {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fsys.NewError("part", fsys.ErrIO, fmt.Sprintf("reading boot sector: got %d of %d bytes", n, SectorSize), err)
	}
	return Parse(sector)
}

// Select returns a view of partition index on d with its cursor at 0.
func (t *Table) Select(d fsys.Device, index int) (*View, error) {
	if index < 0 || index >= NumEntries {
		return nil, fsys.Errorf("part", fsys.ErrRange, "partition index %d not in 0..%d", index, NumEntries-1)
	}
	e := t.Entries[index]
	return &View{
		disk:   d,
		window: fsys.NewWindow(d, e.StartByte(), e.SizeBytes()),
		entry:  e,
		index:  index,
	}, nil
}

// View is one partition's extent of a disk, addressed from zero. The cursor
// used by Read, Write and Seek always stays within [0, Size()].
type View struct {
	disk   fsys.Device
	window *fsys.Window
	entry  Entry
	index  int
	cursor int64
}

var (
	_ io.ReadWriteSeeker = (*View)(nil)
	_ fsys.Device        = (*View)(nil)
)

// Entry is the table entry the view was selected from.
func (v *View) Entry() Entry { return v.entry }

// Index is the slot number of that entry.
func (v *View) Index() int { return v.index }

// Start returns the partition's byte offset on the disk.
func (v *View) Start() int64 { return v.window.Start() }

// Size returns the partition length in bytes.
func (v *View) Size() int64 { return v.window.Size() }

// DiskSize returns the size of the disk the partition lives on.
func (v *View) DiskSize() int64 { return v.disk.Size() }

// Cursor returns the current position.
func (v *View) Cursor() int64 { return v.cursor }

// Read reads from the cursor and advances it by the bytes transferred. At
// the end of the partition it returns 0, io.EOF.
func (v *View) Read(p []byte) (int, error) {
	n, err := v.ReadAt(p, v.cursor)
	v.cursor += int64(n)
	return n, err
}

// Write writes at the cursor and advances it by the bytes transferred. A
// write cut short by the end of the partition returns io.ErrShortWrite.
func (v *View) Write(p []byte) (int, error) {
	n, err := v.WriteAt(p, v.cursor)
	v.cursor += int64(n)
	return n, err
}

// Seek moves the cursor. A target outside [0, Size()] is rejected with
// ErrRange and leaves the cursor where it was.
func (v *View) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = v.cursor + offset
	case io.SeekEnd:
		pos = v.Size() + offset
	default:
		return v.cursor, fsys.Errorf("part", fsys.ErrRange, "seek: bad whence %d", whence)
	}
	if pos < 0 || pos > v.Size() {
		return v.cursor, fsys.Errorf("part", fsys.ErrRange, "seek to %d outside partition of %d bytes", pos, v.Size())
	}
	v.cursor = pos
	return pos, nil
}

// ReadAt reads at an explicit offset without touching the cursor.
func (v *View) ReadAt(p []byte, off int64) (int, error) {
	n, err := v.window.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, fsys.Wrap("part", fmt.Sprintf("read %d bytes at %d", len(p), off), err)
	}
	return n, err
}

// WriteAt writes at an explicit offset without touching the cursor.
func (v *View) WriteAt(p []byte, off int64) (int, error) {
	n, err := v.window.WriteAt(p, off)
	if err != nil && err != io.ErrShortWrite {
		return n, fsys.Wrap("part", fmt.Sprintf("write %d bytes at %d", len(p), off), err)
	}
	return n, err
}

// TypeName returns a readable name for an MBR partition type byte.
func TypeName(t byte) string {
	switch t {
	case 0x00:
		return "Empty"
	case 0x01:
		return "FAT12"
	case 0x04, 0x06, 0x0E:
		return "FAT16"
	case 0x0B, 0x0C:
		return "FAT32"
	case 0x07:
		return "NTFS/exFAT"
	case 0x05, 0x0F, 0x85:
		return "Extended"
	case 0x82:
		return "Linux swap"
	case 0x83:
		return "Linux"
	case 0x8E:
		return "Linux LVM"
	case 0xFD:
		return "Linux RAID"
	case 0xEE:
		return "GPT Protective"
	case 0xEF:
		return "EFI System"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}
