// Package detect identifies the layers of a disk image from their magic
// numbers.
package detect

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type represents a recognised on-disk format.
type Type int

const (
	Unknown Type = iota
	VDI          // VirtualBox disk image container
	MBR          // Master Boot Record partition table
	Ext2
	Ext3
	Ext4
)

func (t Type) String() string {
	switch t {
	case VDI:
		return "VDI"
	case MBR:
		return "MBR"
	case Ext2:
		return "ext2"
	case Ext3:
		return "ext3"
	case Ext4:
		return "ext4"
	default:
		return "unknown"
	}
}

// IsExt returns true if the type is any ext variant
func (t Type) IsExt() bool {
	return t == Ext2 || t == Ext3 || t == Ext4
}

const (
	vdiSignature = 0xBEDA107F
	extMagic     = 0xEF53

	FeatureCompatHasJournal = 0x0004
	FeatureIncompatExtents  = 0x0040
	FeatureIncompat64Bit    = 0x0080
	FeatureIncompatFlexBG   = 0x0200
)

// Detect identifies the outermost format readable from r: a VDI container,
// a bare ext filesystem, or a partitioned disk.
func Detect(r io.ReaderAt) (Type, error) {
	// The first 2 KiB hold every magic we look for.
	header := make([]byte, 2048)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("reading header: %w", err)
	}
	if n < 512 {
		return Unknown, fmt.Errorf("file too small: %d bytes", n)
	}
	header = header[:n]

	if IsVDI(header) {
		return VDI, nil
	}

	// ext superblock magic at 1024+0x38
	if n >= 1024+100 && binary.LittleEndian.Uint16(header[0x438:0x43A]) == extMagic {
		sb := header[1024:]
		return ExtVersion(binary.LittleEndian.Uint32(sb[0x5C:0x60]), binary.LittleEndian.Uint32(sb[0x60:0x64])), nil
	}

	if header[510] == 0x55 && header[511] == 0xAA && isMBRPartitionTable(header) {
		return MBR, nil
	}

	return Unknown, nil
}

// IsVDI reports whether header starts with a VDI container header.
func IsVDI(header []byte) bool {
	return len(header) >= 0x44 && binary.LittleEndian.Uint32(header[0x40:0x44]) == vdiSignature
}

// isMBRPartitionTable checks if the boot sector contains at least one
// plausible partition entry.
func isMBRPartitionTable(header []byte) bool {
	if len(header) < 512 {
		return false
	}

	for i := 0; i < 4; i++ {
		entry := header[446+i*16 : 446+(i+1)*16]

		// Boot flag must be 0x00 or 0x80
		if entry[0] != 0x00 && entry[0] != 0x80 {
			continue
		}
		if entry[4] == 0x00 {
			continue // Empty entry
		}
		if !isKnownPartitionType(entry[4]) {
			continue
		}
		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		lbaSize := binary.LittleEndian.Uint32(entry[12:16])
		if lbaStart > 0 && lbaSize > 0 {
			return true
		}
	}
	return false
}

// isKnownPartitionType returns true if the partition type is recognized
func isKnownPartitionType(t byte) bool {
	switch t {
	case 0x01, 0x04, 0x06, 0x0B, 0x0C, 0x0E: // FAT variants
		return true
	case 0x07: // NTFS/exFAT/HPFS
		return true
	case 0x0F, 0x05: // Extended partitions
		return true
	default:
		return t >= 0x80 // Linux, swap, LVM, RAID, GPT protective, EFI
	}
}

// ExtVersion distinguishes between ext2, ext3, and ext4 from the superblock
// feature words.
func ExtVersion(compat, incompat uint32) Type {
	if incompat&(FeatureIncompat64Bit|FeatureIncompatExtents|FeatureIncompatFlexBG) != 0 {
		return Ext4
	}
	if compat&FeatureCompatHasJournal != 0 {
		return Ext3
	}
	return Ext2
}
