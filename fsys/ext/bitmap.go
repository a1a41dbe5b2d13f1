package ext

import (
	"fmt"

	"github.com/diskfs/go-diskfs/util/bitmap"

	"github.com/lvdlvd/vdiext/fsys"
)

// ErrNoFreeInode is returned by Allocate, together with inode number 0, when
// every group's inode bitmap is full.
var ErrNoFreeInode = fsys.Errorf("ext", fsys.ErrRange, "no free inode")

// readInodeBitmap loads the whole inode bitmap block of group g.
func (v *Volume) readInodeBitmap(g uint32) (*bitmap.Bitmap, error) {
	buf := make([]byte, v.blockSize)
	if err := v.ReadBlock(v.groups[g].InodeBitmap, buf); err != nil {
		return nil, fsys.Wrap("ext", fmt.Sprintf("reading inode bitmap of group %d", g), err)
	}
	bm := bitmap.NewBits(int(v.blockSize) * 8)
	bm.FromBytes(buf)
	return bm, nil
}

// writeBitmapByte writes back the single bitmap byte holding bit i of group
// g's inode bitmap.
func (v *Volume) writeBitmapByte(g uint32, bm *bitmap.Bitmap, i int) error {
	off, err := v.blockOffset(v.groups[g].InodeBitmap)
	if err != nil {
		return err
	}
	b := bm.ToBytes()[i/8 : i/8+1]
	return v.writeAt(b, off+int64(i/8), fmt.Sprintf("inode bitmap of group %d", g))
}

// IsAllocated reports whether inode n is marked in use.
func (v *Volume) IsAllocated(n uint32) (bool, error) {
	loc, err := v.Locate(n)
	if err != nil {
		return false, err
	}
	bm, err := v.readInodeBitmap(loc.Group)
	if err != nil {
		return false, err
	}
	set, err := bm.IsSet(int(loc.Index))
	if err != nil {
		return false, fsys.NewError("ext", fsys.ErrRange, fmt.Sprintf("inode %d bitmap", n), err)
	}
	return set, nil
}

// Allocate marks the lowest free inode in use and returns its number. The
// search starts at group groupHint, or at group 0 when groupHint is -1, and
// moves toward higher groups. If no group has a free inode it returns
// 0, ErrNoFreeInode.
//
// Only the bitmap byte that changed is written back. Free inode counts in the
// superblock and descriptor table are left alone.
func (v *Volume) Allocate(groupHint int) (uint32, error) {
	if groupHint < -1 || groupHint >= int(v.groupCount) {
		return 0, fsys.Errorf("ext", fsys.ErrRange, "group hint %d not in -1..%d", groupHint, int(v.groupCount)-1)
	}
	start := uint32(max(groupHint, 0))

	ipg := v.sb.InodesPerGroup
	for g := start; g < uint32(len(v.groups)); g++ {
		bm, err := v.readInodeBitmap(g)
		if err != nil {
			return 0, err
		}
		i := bm.FirstFree(0)
		if i < 0 || uint32(i) >= ipg {
			continue
		}
		n := g*ipg + uint32(i) + 1
		if n > v.sb.InodesCount {
			break
		}
		if err := bm.Set(i); err != nil {
			return 0, fsys.NewError("ext", fsys.ErrRange, fmt.Sprintf("marking inode %d", n), err)
		}
		if err := v.writeBitmapByte(g, bm, i); err != nil {
			return 0, fsys.Wrap("ext", fmt.Sprintf("allocate inode %d", n), err)
		}
		return n, nil
	}
	return 0, ErrNoFreeInode
}

// Free clears inode n's bitmap bit, writing back only the byte that holds it.
func (v *Volume) Free(n uint32) error {
	loc, err := v.Locate(n)
	if err != nil {
		return err
	}
	bm, err := v.readInodeBitmap(loc.Group)
	if err != nil {
		return err
	}
	i := int(loc.Index)
	if err := bm.Clear(i); err != nil {
		return fsys.NewError("ext", fsys.ErrRange, fmt.Sprintf("clearing inode %d", n), err)
	}
	if err := v.writeBitmapByte(loc.Group, bm, i); err != nil {
		return fsys.Wrap("ext", fmt.Sprintf("free inode %d", n), err)
	}
	return nil
}
