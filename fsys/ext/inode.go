package ext

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"time"

	"github.com/lvdlvd/vdiext/fsys"
)

const (
	// RootInode is the inode number of the root directory.
	RootInode = 2

	NumDirect      = 12
	indirectIndex  = 12
	dindirectIndex = 13
	tindirectIndex = 14
	numBlockPtrs   = 15
)

// File type bits of Inode.Mode.
const (
	ModeFIFO     = 0x1000
	ModeCharDev  = 0x2000
	ModeDir      = 0x4000
	ModeBlkDev   = 0x6000
	ModeRegular  = 0x8000
	ModeSymlink  = 0xA000
	ModeSocket   = 0xC000
	modeTypeMask = 0xF000
)

// Inode is the fixed 128-byte part of an inode record. Extra holds whatever
// follows it when the volume's inode size is larger.
type Inode struct {
	Mode       uint16
	UID        uint16
	Size       uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	GID        uint16
	LinksCount uint16
	Blocks     uint32 // in 512-byte units
	Flags      uint32
	OSD1       uint32
	Block      [numBlockPtrs]uint32
	Generation uint32
	FileACL    uint32
	DirACL     uint32
	Faddr      uint32
	OSD2       [12]byte
	Extra      []byte
}

func (ino *Inode) UnmarshalBinary(data []byte) error {
	if len(data) < GoodOldInodeSize {
		return fsys.Errorf("ext", fsys.ErrFormat, "inode record is %d bytes, need %d", len(data), GoodOldInodeSize)
	}
	le := binary.LittleEndian
	ino.Mode = le.Uint16(data[0x00:])
	ino.UID = le.Uint16(data[0x02:])
	ino.Size = le.Uint32(data[0x04:])
	ino.Atime = le.Uint32(data[0x08:])
	ino.Ctime = le.Uint32(data[0x0C:])
	ino.Mtime = le.Uint32(data[0x10:])
	ino.Dtime = le.Uint32(data[0x14:])
	ino.GID = le.Uint16(data[0x18:])
	ino.LinksCount = le.Uint16(data[0x1A:])
	ino.Blocks = le.Uint32(data[0x1C:])
	ino.Flags = le.Uint32(data[0x20:])
	ino.OSD1 = le.Uint32(data[0x24:])
	for i := range ino.Block {
		ino.Block[i] = le.Uint32(data[0x28+4*i:])
	}
	ino.Generation = le.Uint32(data[0x64:])
	ino.FileACL = le.Uint32(data[0x68:])
	ino.DirACL = le.Uint32(data[0x6C:])
	ino.Faddr = le.Uint32(data[0x70:])
	copy(ino.OSD2[:], data[0x74:0x80])
	ino.Extra = nil
	if len(data) > GoodOldInodeSize {
		ino.Extra = append([]byte(nil), data[GoodOldInodeSize:]...)
	}
	return nil
}

// MarshalBinary encodes the 128 fixed bytes followed by Extra.
func (ino *Inode) MarshalBinary() ([]byte, error) {
	data := make([]byte, GoodOldInodeSize+len(ino.Extra))
	ino.encode(data)
	return data, nil
}

// encode fills rec, which must be at least 128 bytes. Bytes past the fixed
// part that Extra does not cover are zeroed.
func (ino *Inode) encode(rec []byte) {
	le := binary.LittleEndian
	le.PutUint16(rec[0x00:], ino.Mode)
	le.PutUint16(rec[0x02:], ino.UID)
	le.PutUint32(rec[0x04:], ino.Size)
	le.PutUint32(rec[0x08:], ino.Atime)
	le.PutUint32(rec[0x0C:], ino.Ctime)
	le.PutUint32(rec[0x10:], ino.Mtime)
	le.PutUint32(rec[0x14:], ino.Dtime)
	le.PutUint16(rec[0x18:], ino.GID)
	le.PutUint16(rec[0x1A:], ino.LinksCount)
	le.PutUint32(rec[0x1C:], ino.Blocks)
	le.PutUint32(rec[0x20:], ino.Flags)
	le.PutUint32(rec[0x24:], ino.OSD1)
	for i, b := range ino.Block {
		le.PutUint32(rec[0x28+4*i:], b)
	}
	le.PutUint32(rec[0x64:], ino.Generation)
	le.PutUint32(rec[0x68:], ino.FileACL)
	le.PutUint32(rec[0x6C:], ino.DirACL)
	le.PutUint32(rec[0x70:], ino.Faddr)
	copy(rec[0x74:0x80], ino.OSD2[:])
	tail := rec[GoodOldInodeSize:]
	n := copy(tail, ino.Extra)
	clear(tail[n:])
}

func (ino *Inode) IsDir() bool     { return ino.Mode&modeTypeMask == ModeDir }
func (ino *Inode) IsRegular() bool { return ino.Mode&modeTypeMask == ModeRegular }
func (ino *Inode) IsSymlink() bool { return ino.Mode&modeTypeMask == ModeSymlink }

// FileType returns the type bits of Mode as an fs.FileMode.
func (ino *Inode) FileType() fs.FileMode {
	switch ino.Mode & modeTypeMask {
	case ModeDir:
		return fs.ModeDir
	case ModeSymlink:
		return fs.ModeSymlink
	case ModeCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case ModeBlkDev:
		return fs.ModeDevice
	case ModeFIFO:
		return fs.ModeNamedPipe
	case ModeSocket:
		return fs.ModeSocket
	case ModeRegular:
		return 0
	default:
		return fs.ModeIrregular
	}
}

// FileMode combines the type bits with the permission bits, e.g. for
// rendering with FileMode.String.
func (ino *Inode) FileMode() fs.FileMode {
	m := ino.FileType() | fs.FileMode(ino.Mode&0o777)
	if ino.Mode&0o4000 != 0 {
		m |= fs.ModeSetuid
	}
	if ino.Mode&0o2000 != 0 {
		m |= fs.ModeSetgid
	}
	if ino.Mode&0o1000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}

// Direct returns the twelve direct block pointers.
func (ino *Inode) Direct() []uint32 { return ino.Block[:NumDirect] }

func (ino *Inode) Indirect() uint32       { return ino.Block[indirectIndex] }
func (ino *Inode) DoubleIndirect() uint32 { return ino.Block[dindirectIndex] }
func (ino *Inode) TripleIndirect() uint32 { return ino.Block[tindirectIndex] }

func (ino *Inode) AccessTime() time.Time { return unixTime(ino.Atime) }
func (ino *Inode) ChangeTime() time.Time { return unixTime(ino.Ctime) }
func (ino *Inode) ModTime() time.Time    { return unixTime(ino.Mtime) }
func (ino *Inode) DeleteTime() time.Time { return unixTime(ino.Dtime) }

// InodeLocation says where an inode record lives.
type InodeLocation struct {
	Group  uint32 // block group
	Index  uint32 // slot within the group's inode table
	Block  uint32 // block holding the record
	Offset uint32 // byte offset of the record within Block
}

// Locate computes where inode n is stored.
func (v *Volume) Locate(n uint32) (InodeLocation, error) {
	if n == 0 || n > v.sb.InodesCount {
		return InodeLocation{}, fsys.Errorf("ext", fsys.ErrRange, "inode %d not in 1..%d", n, v.sb.InodesCount)
	}
	ipg := v.sb.InodesPerGroup
	loc := InodeLocation{
		Group: (n - 1) / ipg,
		Index: (n - 1) % ipg,
	}
	if loc.Group >= uint32(len(v.groups)) {
		return InodeLocation{}, fsys.Errorf("ext", fsys.ErrRange, "inode %d is in group %d of %d", n, loc.Group, len(v.groups))
	}
	perBlock := v.blockSize / v.inodeSize
	loc.Block = v.groups[loc.Group].InodeTable + loc.Index/perBlock
	loc.Offset = (loc.Index % perBlock) * v.inodeSize
	return loc, nil
}

// FetchInode reads inode n.
func (v *Volume) FetchInode(n uint32) (*Inode, error) {
	loc, err := v.Locate(n)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, v.blockSize)
	if err := v.ReadBlock(loc.Block, buf); err != nil {
		return nil, fsys.Wrap("ext", fmt.Sprintf("fetch inode %d", n), err)
	}
	ino := new(Inode)
	if err := ino.UnmarshalBinary(buf[loc.Offset : loc.Offset+v.inodeSize]); err != nil {
		return nil, err
	}
	return ino, nil
}

// WriteInode stores ino as inode n by rewriting the block that contains it.
// The update is not atomic: a failure between the read and the write may
// leave the block partially updated.
func (v *Volume) WriteInode(n uint32, ino *Inode) error {
	loc, err := v.Locate(n)
	if err != nil {
		return err
	}
	buf := make([]byte, v.blockSize)
	if err := v.ReadBlock(loc.Block, buf); err != nil {
		return fsys.Wrap("ext", fmt.Sprintf("write inode %d", n), err)
	}
	ino.encode(buf[loc.Offset : loc.Offset+v.inodeSize])
	if err := v.writeBlock(loc.Block, buf); err != nil {
		return fsys.Wrap("ext", fmt.Sprintf("write inode %d", n), err)
	}
	return nil
}
