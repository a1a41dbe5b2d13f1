package imagetest

import (
	"encoding/binary"
	"math/bits"
)

const (
	Ext2Magic = 0xEF53

	// UUID is the filesystem UUID written by Ext2.Build, in canonical form.
	UUID = "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"

	// Timestamp is stamped into every time field Build writes.
	Timestamp = 1700000000

	// FirstIno is the first non-reserved inode; inodes below it are marked
	// allocated in group 0.
	FirstIno = 11

	RootInode = 2
)

var uuidBytes = [16]byte{
	0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
	0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
}

// Ext2 describes a synthetic ext2 volume. Zero fields take the defaults
// listed beside them.
type Ext2 struct {
	BlockSize       uint32 // 1024
	BlocksCount     uint32 // 300
	BlocksPerGroup  uint32 // 128
	InodesPerGroup  uint32 // 32
	InodeSize       uint16 // 128
	RevLevel        uint32 // 1; RevZero forces 0
	RevZero         bool
	Magic           uint16 // 0xEF53
	FeatureCompat   uint32
	FeatureIncompat uint32
	VolumeName      string
}

// Group is where Build placed one group's metadata.
type Group struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint16
	FreeInodes  uint16
	UsedDirs    uint16
}

func (e Ext2) withDefaults() Ext2 {
	if e.BlockSize == 0 {
		e.BlockSize = 1024
	}
	if e.BlocksCount == 0 {
		e.BlocksCount = 300
	}
	if e.BlocksPerGroup == 0 {
		e.BlocksPerGroup = 128
	}
	if e.InodesPerGroup == 0 {
		e.InodesPerGroup = 32
	}
	if e.InodeSize == 0 {
		e.InodeSize = 128
	}
	if e.RevLevel == 0 && !e.RevZero {
		e.RevLevel = 1
	}
	if e.Magic == 0 {
		e.Magic = Ext2Magic
	}
	if e.VolumeName == "" {
		e.VolumeName = "testvol"
	}
	return e
}

// Normalized returns e with defaults applied.
func (e Ext2) Normalized() Ext2 { return e.withDefaults() }

// FirstDataBlock is 1 for 1 KiB blocks and 0 otherwise.
func (e Ext2) FirstDataBlock() uint32 {
	if e.withDefaults().BlockSize == 1024 {
		return 1
	}
	return 0
}

// GroupCount rounds up: a partial final group is still a group.
func (e Ext2) GroupCount() uint32 {
	e = e.withDefaults()
	return (e.BlocksCount + e.BlocksPerGroup - 1) / e.BlocksPerGroup
}

// InodesCount is InodesPerGroup for every group.
func (e Ext2) InodesCount() uint32 {
	return e.GroupCount() * e.withDefaults().InodesPerGroup
}

// EffectiveInodeSize is the on-disk record size: 128 for revision 0.
func (e Ext2) EffectiveInodeSize() uint32 {
	e = e.withDefaults()
	if e.RevLevel == 0 {
		return 128
	}
	return uint32(e.InodeSize)
}

// Size is the volume size in bytes.
func (e Ext2) Size() int {
	e = e.withDefaults()
	return int(e.BlocksCount) * int(e.BlockSize)
}

// Groups computes the metadata placement for every group.
func (e Ext2) Groups() []Group {
	e = e.withDefaults()
	n := e.GroupCount()
	gdtBlocks := (n*32 + e.BlockSize - 1) / e.BlockSize
	itBlocks := (e.InodesPerGroup*e.EffectiveInodeSize() + e.BlockSize - 1) / e.BlockSize

	groups := make([]Group, n)
	for g := uint32(0); g < n; g++ {
		base := e.FirstDataBlock() + g*e.BlocksPerGroup
		meta := base
		if g == 0 {
			meta = base + 1 + gdtBlocks
		}
		inGroup := e.BlocksPerGroup
		if rest := e.BlocksCount - base; rest < inGroup {
			inGroup = rest
		}
		used := meta - base + 2 + itBlocks
		groups[g] = Group{
			BlockBitmap: meta,
			InodeBitmap: meta + 1,
			InodeTable:  meta + 2,
			FreeBlocks:  uint16(inGroup - used),
			FreeInodes:  uint16(e.InodesPerGroup),
		}
	}
	groups[0].FreeInodes -= FirstIno - 1
	groups[0].UsedDirs = 1
	return groups
}

// InodeOffset returns the byte offset of inode n within the volume.
func (e Ext2) InodeOffset(n uint32) int {
	e = e.withDefaults()
	g := (n - 1) / e.InodesPerGroup
	idx := (n - 1) % e.InodesPerGroup
	return int(e.Groups()[g].InodeTable)*int(e.BlockSize) + int(idx)*int(e.EffectiveInodeSize())
}

// InodeBitmapOffset returns the byte offset of group g's inode bitmap.
func (e Ext2) InodeBitmapOffset(g uint32) int {
	e = e.withDefaults()
	return int(e.Groups()[g].InodeBitmap) * int(e.BlockSize)
}

// Build returns the volume image.
func (e Ext2) Build() []byte {
	e = e.withDefaults()
	bs := int(e.BlockSize)
	data := make([]byte, e.Size())
	groups := e.Groups()
	le := binary.LittleEndian

	var freeBlocks, freeInodes uint32
	for _, g := range groups {
		freeBlocks += uint32(g.FreeBlocks)
		freeInodes += uint32(g.FreeInodes)
	}

	sb := data[1024:2048]
	le.PutUint32(sb[0:], e.InodesCount())
	le.PutUint32(sb[4:], e.BlocksCount)
	le.PutUint32(sb[8:], e.BlocksCount/20)
	le.PutUint32(sb[12:], freeBlocks)
	le.PutUint32(sb[16:], freeInodes)
	le.PutUint32(sb[20:], e.FirstDataBlock())
	logBS := uint32(bits.TrailingZeros32(e.BlockSize / 1024))
	le.PutUint32(sb[24:], logBS)
	le.PutUint32(sb[28:], logBS)
	le.PutUint32(sb[32:], e.BlocksPerGroup)
	le.PutUint32(sb[36:], e.BlocksPerGroup)
	le.PutUint32(sb[40:], e.InodesPerGroup)
	le.PutUint32(sb[44:], Timestamp)
	le.PutUint32(sb[48:], Timestamp)
	le.PutUint16(sb[52:], 3)
	le.PutUint16(sb[54:], 0xFFFF)
	le.PutUint16(sb[56:], e.Magic)
	le.PutUint16(sb[58:], 1)
	le.PutUint16(sb[60:], 1)
	le.PutUint32(sb[64:], Timestamp)
	le.PutUint32(sb[76:], e.RevLevel)
	if e.RevLevel > 0 {
		le.PutUint32(sb[84:], FirstIno)
		le.PutUint16(sb[88:], e.InodeSize)
	}
	le.PutUint32(sb[92:], e.FeatureCompat)
	le.PutUint32(sb[96:], e.FeatureIncompat)
	copy(sb[104:120], uuidBytes[:])
	copy(sb[120:136], e.VolumeName)
	copy(sb[136:200], "/mnt/test")
	sb[204] = 8
	le.PutUint32(sb[236:], 0x11111111)
	le.PutUint32(sb[240:], 0x22222222)
	le.PutUint32(sb[244:], 0x33333333)
	le.PutUint32(sb[248:], 0x44444444)
	sb[252] = 1
	le.PutUint32(sb[256:], 0x0C)
	le.PutUint32(sb[1020:], 0xCAFEF00D)

	gdt := data[int(e.FirstDataBlock()+1)*bs:]
	for i, g := range groups {
		d := gdt[i*32 : (i+1)*32]
		le.PutUint32(d[0:], g.BlockBitmap)
		le.PutUint32(d[4:], g.InodeBitmap)
		le.PutUint32(d[8:], g.InodeTable)
		le.PutUint16(d[12:], g.FreeBlocks)
		le.PutUint16(d[14:], g.FreeInodes)
		le.PutUint16(d[16:], g.UsedDirs)
	}

	for gi, g := range groups {
		bitmap := data[int(g.InodeBitmap)*bs : int(g.InodeBitmap+1)*bs]
		// Bits past the end of the group are padding and read as in use.
		for i := int(e.InodesPerGroup); i < bs*8; i++ {
			bitmap[i/8] |= 1 << (i % 8)
		}
		if gi == 0 {
			for i := 0; i < FirstIno-1 && i < int(e.InodesPerGroup); i++ {
				bitmap[i/8] |= 1 << (i % 8)
			}
		}

		blocks := data[int(g.BlockBitmap)*bs : int(g.BlockBitmap+1)*bs]
		base := e.FirstDataBlock() + uint32(gi)*e.BlocksPerGroup
		usedInGroup := int(e.BlocksPerGroup) - int(g.FreeBlocks)
		if rest := e.BlocksCount - base; rest < e.BlocksPerGroup {
			usedInGroup = int(rest) - int(g.FreeBlocks)
		}
		for i := 0; i < usedInGroup; i++ {
			blocks[i/8] |= 1 << (i % 8)
		}
		_ = base
	}

	root := data[e.InodeOffset(RootInode):]
	le.PutUint16(root[0:], 0x41ED)
	le.PutUint32(root[4:], e.BlockSize)
	le.PutUint32(root[8:], Timestamp)
	le.PutUint32(root[12:], Timestamp)
	le.PutUint32(root[16:], Timestamp)
	le.PutUint16(root[26:], 2)
	le.PutUint32(root[28:], e.BlockSize/512)
	le.PutUint32(root[40:], groups[0].InodeTable+(e.InodesPerGroup*e.EffectiveInodeSize()+e.BlockSize-1)/e.BlockSize)

	return data
}
