// Package ext reads and updates the metadata of an ext2 volume living in a
// partition: the superblock, the block group descriptor table, the inode
// table and the inode allocation bitmaps.
//
// The superblock and descriptor table are loaded once by Open and cached.
// Everything else is read from the partition on every call; there is no
// block cache and no write-back buffering.
package ext

import (
	"fmt"
	"io"
	"math"

	"github.com/lvdlvd/vdiext/fsys"
	"github.com/lvdlvd/vdiext/fsys/part"
)

// Volume is an open ext2 volume.
//
// A Volume is not safe for concurrent use: the partition cursor and the
// read-modify-write sequences of WriteInode, Allocate and Free must be
// serialised by the caller.
type Volume struct {
	view   *part.View
	sb     Superblock
	groups []GroupDescriptor

	blockSize  uint32
	inodeSize  uint32
	groupCount uint32
}

// Open loads and validates the superblock of the volume in view, then loads
// the block group descriptor table.
func Open(view *part.View) (*Volume, error) {
	v := &Volume{view: view}
	if err := v.loadSuperblock(); err != nil {
		return nil, err
	}
	if err := v.loadGroupDescriptors(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) loadSuperblock() error {
	end := int64(superblockOffset + superblockSize)
	if v.view.Size() < end || v.view.Start()+end > v.view.DiskSize() {
		return fsys.Errorf("ext", fsys.ErrFormat, "partition of %d bytes cannot hold a superblock", v.view.Size())
	}

	data := make([]byte, superblockSize)
	n, err := v.view.ReadAt(data, superblockOffset)
	if n < superblockSize {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fsys.NewError("ext", fsys.ErrIO, fmt.Sprintf("reading superblock: got %d of %d bytes", n, superblockSize), err)
	}

	sb := &v.sb
	if err := sb.UnmarshalBinary(data); err != nil {
		return err
	}
	if sb.Magic != Magic {
		return fsys.Errorf("ext", fsys.ErrFormat, "bad superblock magic 0x%04X", sb.Magic)
	}

	switch {
	case sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0:
		return fsys.Errorf("ext", fsys.ErrFormat, "zero group geometry: %d blocks, %d inodes per group", sb.BlocksPerGroup, sb.InodesPerGroup)
	case sb.LogBlockSize > maxLogBlockSize:
		return fsys.Errorf("ext", fsys.ErrFormat, "block size shift %d too large", sb.LogBlockSize)
	}

	v.blockSize = sb.BlockSize()
	v.inodeSize = sb.InodeSize()
	v.groupCount = sb.GroupCount()

	switch {
	case v.inodeSize < GoodOldInodeSize || v.inodeSize > v.blockSize:
		return fsys.Errorf("ext", fsys.ErrFormat, "inode size %d not in [%d, %d]", v.inodeSize, GoodOldInodeSize, v.blockSize)
	case sb.InodesPerGroup > 8*v.blockSize:
		return fsys.Errorf("ext", fsys.ErrFormat, "%d inodes per group do not fit a %d-byte bitmap", sb.InodesPerGroup, v.blockSize)
	}
	return nil
}

// loadGroupDescriptors reads the descriptor table, which starts in the block
// after the superblock's and spans as many whole blocks as it needs.
func (v *Volume) loadGroupDescriptors() error {
	if v.sb.FirstDataBlock == math.MaxUint32 {
		return fsys.Errorf("ext", fsys.ErrFormat, "first data block %d leaves no room for the descriptor table", v.sb.FirstDataBlock)
	}
	bs := int64(v.blockSize)
	total := int64(v.groupCount) * descriptorSize
	nblocks64 := (total + bs - 1) / bs
	first := v.sb.FirstDataBlock + 1
	if (int64(first)+nblocks64)*bs > v.view.Size() {
		return fsys.Errorf("ext", fsys.ErrFormat, "descriptor table of %d groups does not fit a %d-byte partition", v.groupCount, v.view.Size())
	}
	nblocks := int(nblocks64)

	table := make([]byte, nblocks*int(v.blockSize))
	for i := 0; i < nblocks; i++ {
		block := table[i*int(v.blockSize) : (i+1)*int(v.blockSize)]
		if err := v.ReadBlock(first+uint32(i), block); err != nil {
			return fsys.Wrap("ext", "reading group descriptor table", err)
		}
	}

	v.groups = make([]GroupDescriptor, v.groupCount)
	for i := range v.groups {
		if err := v.groups[i].UnmarshalBinary(table[i*descriptorSize:]); err != nil {
			return err
		}
	}
	return nil
}

// Superblock returns a copy of the cached superblock.
func (v *Volume) Superblock() Superblock { return v.sb }

// Groups returns the cached descriptor table.
func (v *Volume) Groups() []GroupDescriptor { return v.groups }

// Group returns descriptor i.
func (v *Volume) Group(i int) (GroupDescriptor, error) {
	if i < 0 || i >= len(v.groups) {
		return GroupDescriptor{}, fsys.Errorf("ext", fsys.ErrRange, "group %d not in 0..%d", i, len(v.groups)-1)
	}
	return v.groups[i], nil
}

// BlockSize is the volume block size in bytes.
func (v *Volume) BlockSize() uint32 { return v.blockSize }

// InodeSize is the on-disk size of one inode record.
func (v *Volume) InodeSize() uint32 { return v.inodeSize }

// GroupCount is the number of block groups.
func (v *Volume) GroupCount() uint32 { return v.groupCount }

// View returns the partition the volume was opened on.
func (v *Volume) View() *part.View { return v.view }

// blockOffset returns the partition offset of block index, or an ErrIO
// failure if the block does not lie wholly inside both the partition and
// the disk.
func (v *Volume) blockOffset(index uint32) (int64, error) {
	bs := int64(v.blockSize)
	off := int64(index) * bs
	if off+bs > v.view.Size() || v.view.Start()+off+bs > v.view.DiskSize() {
		return 0, fsys.Errorf("ext", fsys.ErrIO, "block %d lies beyond the end of the partition", index)
	}
	return off, nil
}

// ReadBlock reads block index into the first BlockSize bytes of buf. On any
// failure those bytes are zeroed; partial block content is never exposed.
func (v *Volume) ReadBlock(index uint32, buf []byte) error {
	if len(buf) < int(v.blockSize) {
		return fsys.Errorf("ext", fsys.ErrRange, "buffer of %d bytes cannot hold a %d-byte block", len(buf), v.blockSize)
	}
	buf = buf[:v.blockSize]

	off, err := v.blockOffset(index)
	if err != nil {
		clear(buf)
		return err
	}
	n, err := v.view.ReadAt(buf, off)
	if n < len(buf) || (err != nil && err != io.EOF) {
		clear(buf)
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fsys.NewError("ext", fsys.ErrIO, fmt.Sprintf("read block %d: got %d of %d bytes", index, n, len(buf)), err)
	}
	return nil
}

// writeAt positions the partition cursor at off and writes p there.
func (v *Volume) writeAt(p []byte, off int64, what string) error {
	if _, err := v.view.Seek(off, io.SeekStart); err != nil {
		return fsys.NewError("ext", fsys.ErrIO, "write "+what, err)
	}
	n, err := v.view.Write(p)
	if n < len(p) {
		if err == nil {
			err = io.ErrShortWrite
		}
		return fsys.NewError("ext", fsys.ErrIO, fmt.Sprintf("write %s: wrote %d of %d bytes", what, n, len(p)), err)
	}
	return nil
}

// writeBlock writes a whole block through the partition cursor.
func (v *Volume) writeBlock(index uint32, buf []byte) error {
	off, err := v.blockOffset(index)
	if err != nil {
		return err
	}
	return v.writeAt(buf[:v.blockSize], off, fmt.Sprintf("block %d", index))
}
