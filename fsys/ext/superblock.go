package ext

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/lvdlvd/vdiext/detect"
	"github.com/lvdlvd/vdiext/fsys"
)

const (
	superblockOffset = 1024
	superblockSize   = 1024
	descriptorSize   = 32

	// Magic is the value of s_magic on every ext2/3/4 volume.
	Magic = 0xEF53

	// GoodOldInodeSize is the inode record size of revision 0 volumes.
	GoodOldInodeSize = 128

	maxLogBlockSize = 6
)

// Superblock is the 1024-byte volume header found at partition offset 1024.
// Every field is kept so that MarshalBinary reproduces the record exactly.
type Superblock struct {
	InodesCount       uint32
	BlocksCount       uint32
	RBlocksCount      uint32
	FreeBlocksCount   uint32
	FreeInodesCount   uint32
	FirstDataBlock    uint32
	LogBlockSize      uint32
	LogFragSize       uint32
	BlocksPerGroup    uint32
	FragsPerGroup     uint32
	InodesPerGroup    uint32
	Mtime             uint32
	Wtime             uint32
	MntCount          uint16
	MaxMntCount       uint16
	Magic             uint16
	State             uint16
	Errors            uint16
	MinorRevLevel     uint16
	LastCheck         uint32
	CheckInterval     uint32
	CreatorOS         uint32
	RevLevel          uint32
	DefResUID         uint16
	DefResGID         uint16
	FirstIno          uint32
	DeclaredInodeSize uint16 // s_inode_size; only meaningful when RevLevel > 0
	BlockGroupNr      uint16
	FeatureCompat     uint32
	FeatureIncompat   uint32
	FeatureROCompat   uint32
	UUID              uuid.UUID
	VolumeName        [16]byte
	LastMounted       [64]byte
	AlgoBitmap        uint32
	PreallocBlocks    uint8
	PreallocDirBlocks uint8
	ReservedGDTBlocks uint16
	JournalUUID       uuid.UUID
	JournalInum       uint32
	JournalDev        uint32
	LastOrphan        uint32
	HashSeed          [4]uint32
	DefHashVersion    uint8
	JnlBackupType     uint8
	DescSize          uint16
	DefaultMountOpts  uint32
	FirstMetaBg       uint32
	Reserved          [superblockSize - 264]byte
}

// UnmarshalBinary decodes a superblock. It does not validate the magic.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < superblockSize {
		return fsys.Errorf("ext", fsys.ErrFormat, "superblock is %d bytes, need %d", len(data), superblockSize)
	}

	le := binary.LittleEndian
	sb.InodesCount = le.Uint32(data[0x00:])
	sb.BlocksCount = le.Uint32(data[0x04:])
	sb.RBlocksCount = le.Uint32(data[0x08:])
	sb.FreeBlocksCount = le.Uint32(data[0x0C:])
	sb.FreeInodesCount = le.Uint32(data[0x10:])
	sb.FirstDataBlock = le.Uint32(data[0x14:])
	sb.LogBlockSize = le.Uint32(data[0x18:])
	sb.LogFragSize = le.Uint32(data[0x1C:])
	sb.BlocksPerGroup = le.Uint32(data[0x20:])
	sb.FragsPerGroup = le.Uint32(data[0x24:])
	sb.InodesPerGroup = le.Uint32(data[0x28:])
	sb.Mtime = le.Uint32(data[0x2C:])
	sb.Wtime = le.Uint32(data[0x30:])
	sb.MntCount = le.Uint16(data[0x34:])
	sb.MaxMntCount = le.Uint16(data[0x36:])
	sb.Magic = le.Uint16(data[0x38:])
	sb.State = le.Uint16(data[0x3A:])
	sb.Errors = le.Uint16(data[0x3C:])
	sb.MinorRevLevel = le.Uint16(data[0x3E:])
	sb.LastCheck = le.Uint32(data[0x40:])
	sb.CheckInterval = le.Uint32(data[0x44:])
	sb.CreatorOS = le.Uint32(data[0x48:])
	sb.RevLevel = le.Uint32(data[0x4C:])
	sb.DefResUID = le.Uint16(data[0x50:])
	sb.DefResGID = le.Uint16(data[0x52:])
	sb.FirstIno = le.Uint32(data[0x54:])
	sb.DeclaredInodeSize = le.Uint16(data[0x58:])
	sb.BlockGroupNr = le.Uint16(data[0x5A:])
	sb.FeatureCompat = le.Uint32(data[0x5C:])
	sb.FeatureIncompat = le.Uint32(data[0x60:])
	sb.FeatureROCompat = le.Uint32(data[0x64:])
	copy(sb.UUID[:], data[0x68:0x78])
	copy(sb.VolumeName[:], data[0x78:0x88])
	copy(sb.LastMounted[:], data[0x88:0xC8])
	sb.AlgoBitmap = le.Uint32(data[0xC8:])
	sb.PreallocBlocks = data[0xCC]
	sb.PreallocDirBlocks = data[0xCD]
	sb.ReservedGDTBlocks = le.Uint16(data[0xCE:])
	copy(sb.JournalUUID[:], data[0xD0:0xE0])
	sb.JournalInum = le.Uint32(data[0xE0:])
	sb.JournalDev = le.Uint32(data[0xE4:])
	sb.LastOrphan = le.Uint32(data[0xE8:])
	for i := range sb.HashSeed {
		sb.HashSeed[i] = le.Uint32(data[0xEC+4*i:])
	}
	sb.DefHashVersion = data[0xFC]
	sb.JnlBackupType = data[0xFD]
	sb.DescSize = le.Uint16(data[0xFE:])
	sb.DefaultMountOpts = le.Uint32(data[0x100:])
	sb.FirstMetaBg = le.Uint32(data[0x104:])
	copy(sb.Reserved[:], data[0x108:superblockSize])
	return nil
}

// MarshalBinary encodes the superblock into its 1024-byte on-disk form.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	data := make([]byte, superblockSize)
	le := binary.LittleEndian
	le.PutUint32(data[0x00:], sb.InodesCount)
	le.PutUint32(data[0x04:], sb.BlocksCount)
	le.PutUint32(data[0x08:], sb.RBlocksCount)
	le.PutUint32(data[0x0C:], sb.FreeBlocksCount)
	le.PutUint32(data[0x10:], sb.FreeInodesCount)
	le.PutUint32(data[0x14:], sb.FirstDataBlock)
	le.PutUint32(data[0x18:], sb.LogBlockSize)
	le.PutUint32(data[0x1C:], sb.LogFragSize)
	le.PutUint32(data[0x20:], sb.BlocksPerGroup)
	le.PutUint32(data[0x24:], sb.FragsPerGroup)
	le.PutUint32(data[0x28:], sb.InodesPerGroup)
	le.PutUint32(data[0x2C:], sb.Mtime)
	le.PutUint32(data[0x30:], sb.Wtime)
	le.PutUint16(data[0x34:], sb.MntCount)
	le.PutUint16(data[0x36:], sb.MaxMntCount)
	le.PutUint16(data[0x38:], sb.Magic)
	le.PutUint16(data[0x3A:], sb.State)
	le.PutUint16(data[0x3C:], sb.Errors)
	le.PutUint16(data[0x3E:], sb.MinorRevLevel)
	le.PutUint32(data[0x40:], sb.LastCheck)
	le.PutUint32(data[0x44:], sb.CheckInterval)
	le.PutUint32(data[0x48:], sb.CreatorOS)
	le.PutUint32(data[0x4C:], sb.RevLevel)
	le.PutUint16(data[0x50:], sb.DefResUID)
	le.PutUint16(data[0x52:], sb.DefResGID)
	le.PutUint32(data[0x54:], sb.FirstIno)
	le.PutUint16(data[0x58:], sb.DeclaredInodeSize)
	le.PutUint16(data[0x5A:], sb.BlockGroupNr)
	le.PutUint32(data[0x5C:], sb.FeatureCompat)
	le.PutUint32(data[0x60:], sb.FeatureIncompat)
	le.PutUint32(data[0x64:], sb.FeatureROCompat)
	copy(data[0x68:0x78], sb.UUID[:])
	copy(data[0x78:0x88], sb.VolumeName[:])
	copy(data[0x88:0xC8], sb.LastMounted[:])
	le.PutUint32(data[0xC8:], sb.AlgoBitmap)
	data[0xCC] = sb.PreallocBlocks
	data[0xCD] = sb.PreallocDirBlocks
	le.PutUint16(data[0xCE:], sb.ReservedGDTBlocks)
	copy(data[0xD0:0xE0], sb.JournalUUID[:])
	le.PutUint32(data[0xE0:], sb.JournalInum)
	le.PutUint32(data[0xE4:], sb.JournalDev)
	le.PutUint32(data[0xE8:], sb.LastOrphan)
	for i, s := range sb.HashSeed {
		le.PutUint32(data[0xEC+4*i:], s)
	}
	data[0xFC] = sb.DefHashVersion
	data[0xFD] = sb.JnlBackupType
	le.PutUint16(data[0xFE:], sb.DescSize)
	le.PutUint32(data[0x100:], sb.DefaultMountOpts)
	le.PutUint32(data[0x104:], sb.FirstMetaBg)
	copy(data[0x108:], sb.Reserved[:])
	return data, nil
}

// BlockSize is 1024 << LogBlockSize.
func (sb *Superblock) BlockSize() uint32 { return 1024 << sb.LogBlockSize }

// InodeSize is the declared record size, or 128 on revision 0 volumes.
func (sb *Superblock) InodeSize() uint32 {
	if sb.RevLevel == 0 {
		return GoodOldInodeSize
	}
	return uint32(sb.DeclaredInodeSize)
}

// GroupCount is the number of block groups. A partially filled final group
// still counts.
func (sb *Superblock) GroupCount() uint32 {
	if sb.BlocksPerGroup == 0 {
		return 0
	}
	return uint32((uint64(sb.BlocksCount) + uint64(sb.BlocksPerGroup) - 1) / uint64(sb.BlocksPerGroup))
}

// Type classifies the volume from its feature flags.
func (sb *Superblock) Type() detect.Type {
	return detect.ExtVersion(sb.FeatureCompat, sb.FeatureIncompat)
}

func (sb *Superblock) Name() string          { return cString(sb.VolumeName[:]) }
func (sb *Superblock) LastMountPath() string { return cString(sb.LastMounted[:]) }

func (sb *Superblock) MountTime() time.Time     { return unixTime(sb.Mtime) }
func (sb *Superblock) WriteTime() time.Time     { return unixTime(sb.Wtime) }
func (sb *Superblock) LastCheckTime() time.Time { return unixTime(sb.LastCheck) }

// StateString renders s_state.
func (sb *Superblock) StateString() string {
	switch sb.State {
	case 1:
		return "clean"
	case 2:
		return "errors"
	default:
		return "not clean"
	}
}

// CreatorOSString renders s_creator_os.
func (sb *Superblock) CreatorOSString() string {
	switch sb.CreatorOS {
	case 0:
		return "Linux"
	case 1:
		return "Hurd"
	case 2:
		return "Masix"
	case 3:
		return "FreeBSD"
	case 4:
		return "Lites"
	default:
		return "unknown"
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func unixTime(t uint32) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(int64(t), 0).UTC()
}

// GroupDescriptor is one 32-byte entry of the block group descriptor table.
type GroupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [3]uint32
}

func (gd *GroupDescriptor) UnmarshalBinary(data []byte) error {
	if len(data) < descriptorSize {
		return fsys.Errorf("ext", fsys.ErrFormat, "group descriptor is %d bytes, need %d", len(data), descriptorSize)
	}
	le := binary.LittleEndian
	gd.BlockBitmap = le.Uint32(data[0x00:])
	gd.InodeBitmap = le.Uint32(data[0x04:])
	gd.InodeTable = le.Uint32(data[0x08:])
	gd.FreeBlocksCount = le.Uint16(data[0x0C:])
	gd.FreeInodesCount = le.Uint16(data[0x0E:])
	gd.UsedDirsCount = le.Uint16(data[0x10:])
	gd.Pad = le.Uint16(data[0x12:])
	for i := range gd.Reserved {
		gd.Reserved[i] = le.Uint32(data[0x14+4*i:])
	}
	return nil
}

func (gd *GroupDescriptor) MarshalBinary() ([]byte, error) {
	data := make([]byte, descriptorSize)
	le := binary.LittleEndian
	le.PutUint32(data[0x00:], gd.BlockBitmap)
	le.PutUint32(data[0x04:], gd.InodeBitmap)
	le.PutUint32(data[0x08:], gd.InodeTable)
	le.PutUint16(data[0x0C:], gd.FreeBlocksCount)
	le.PutUint16(data[0x0E:], gd.FreeInodesCount)
	le.PutUint16(data[0x10:], gd.UsedDirsCount)
	le.PutUint16(data[0x12:], gd.Pad)
	for i, r := range gd.Reserved {
		le.PutUint32(data[0x14+4*i:], r)
	}
	return data, nil
}
