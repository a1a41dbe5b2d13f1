package ext

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/vdiext/fsys"
	"github.com/lvdlvd/vdiext/internal/imagetest"
)

func TestLocate(t *testing.T) {
	v := &Volume{
		sb:        Superblock{InodesCount: 2 * 8192, InodesPerGroup: 8192},
		groups:    []GroupDescriptor{{InodeTable: 5}, {InodeTable: 8200}},
		blockSize: 1024,
		inodeSize: 128,
	}

	tests := []struct {
		n    uint32
		want InodeLocation
	}{
		{1, InodeLocation{Group: 0, Index: 0, Block: 5, Offset: 0}},
		{2, InodeLocation{Group: 0, Index: 1, Block: 5, Offset: 128}},
		{8, InodeLocation{Group: 0, Index: 7, Block: 5, Offset: 896}},
		{9, InodeLocation{Group: 0, Index: 8, Block: 6, Offset: 0}},
		{8192, InodeLocation{Group: 0, Index: 8191, Block: 5 + 1023, Offset: 896}},
		{8193, InodeLocation{Group: 1, Index: 0, Block: 8200, Offset: 0}},
		{16384, InodeLocation{Group: 1, Index: 8191, Block: 8200 + 1023, Offset: 896}},
	}
	for _, tt := range tests {
		got, err := v.Locate(tt.n)
		require.NoError(t, err, "inode %d", tt.n)
		assert.Equal(t, tt.want, got, "inode %d", tt.n)
	}

	for _, n := range []uint32{0, 16385} {
		_, err := v.Locate(n)
		assert.ErrorIs(t, err, fsys.ErrRange, "inode %d", n)
	}

	// InodesCount claiming more groups than the table holds.
	v.sb.InodesCount = 3 * 8192
	_, err := v.Locate(16385)
	assert.ErrorIs(t, err, fsys.ErrRange)
}

func TestFetchRootInode(t *testing.T) {
	e := imagetest.Ext2{}
	v := mustOpen(t, buildDisk(e))

	root, err := v.FetchInode(RootInode)
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.False(t, root.IsRegular())
	assert.Equal(t, fs.ModeDir, root.FileType())
	assert.Equal(t, "drwxr-xr-x", root.FileMode().String())
	assert.Equal(t, uint16(2), root.LinksCount)
	assert.Equal(t, uint32(1024), root.Size)
	assert.Equal(t, uint32(2), root.Blocks)
	assert.Equal(t, time.Unix(imagetest.Timestamp, 0).UTC(), root.ModTime())
	assert.True(t, root.DeleteTime().IsZero())
	assert.Equal(t, e.Groups()[0].InodeTable+4, root.Direct()[0])
	assert.Len(t, root.Direct(), NumDirect)
	assert.Nil(t, root.Extra)

	_, err = v.FetchInode(0)
	assert.ErrorIs(t, err, fsys.ErrRange)
	_, err = v.FetchInode(97)
	assert.ErrorIs(t, err, fsys.ErrRange)
}

func sampleInode() *Inode {
	ino := &Inode{
		Mode:       ModeRegular | 0o4755,
		UID:        1000,
		Size:       123456,
		Atime:      1700000100,
		Ctime:      1700000200,
		Mtime:      1700000300,
		GID:        100,
		LinksCount: 1,
		Blocks:     248,
		Flags:      0x80,
		OSD1:       0xDEADBEEF,
		Generation: 42,
		FileACL:    77,
		DirACL:     0,
		Faddr:      3,
		OSD2:       [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
	}
	for i := range ino.Block {
		ino.Block[i] = uint32(200 + i)
	}
	return ino
}

func TestInodeHelpers(t *testing.T) {
	ino := sampleInode()
	assert.True(t, ino.IsRegular())
	assert.False(t, ino.IsSymlink())
	assert.Equal(t, fs.FileMode(0), ino.FileType())
	assert.Equal(t, "urwxr-xr-x", ino.FileMode().String())
	assert.Equal(t, uint32(212), ino.Indirect())
	assert.Equal(t, uint32(213), ino.DoubleIndirect())
	assert.Equal(t, uint32(214), ino.TripleIndirect())

	link := &Inode{Mode: ModeSymlink | 0o777}
	assert.True(t, link.IsSymlink())
	assert.Equal(t, fs.ModeSymlink, link.FileType())
}

func TestInodeRoundTrip(t *testing.T) {
	dev := buildDisk(imagetest.Ext2{})
	v := mustOpen(t, dev)

	neighbour, err := v.FetchInode(13)
	require.NoError(t, err)
	neighbour.UID = 55
	require.NoError(t, v.WriteInode(13, neighbour))

	for _, n := range []uint32{12, 33, 96} {
		want := sampleInode()
		want.Generation = n
		require.NoError(t, v.WriteInode(n, want))

		got, err := v.FetchInode(n)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("inode %d mismatch (-want +got):\n%s", n, diff)
		}
	}

	got, err := v.FetchInode(13)
	require.NoError(t, err)
	if diff := cmp.Diff(neighbour, got); diff != "" {
		t.Errorf("neighbouring inode changed (-want +got):\n%s", diff)
	}

	assert.ErrorIs(t, v.WriteInode(0, sampleInode()), fsys.ErrRange)
}

func TestInodeRoundTripLargeRecords(t *testing.T) {
	e := imagetest.Ext2{InodeSize: 256}
	v := mustOpen(t, buildDisk(e))
	require.Equal(t, uint32(256), v.InodeSize())

	want := sampleInode()
	want.Extra = make([]byte, 128)
	for i := range want.Extra {
		want.Extra[i] = byte(i + 1)
	}
	require.NoError(t, v.WriteInode(20, want))

	got, err := v.FetchInode(20)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("inode mismatch (-want +got):\n%s", diff)
	}

	loc, err := v.Locate(20)
	require.NoError(t, err)
	assert.Equal(t, uint32(19*256%1024), loc.Offset)
}

func TestInodeMarshal(t *testing.T) {
	ino := sampleInode()
	raw, err := ino.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 128)
	assert.Equal(t, []byte{0xED, 0x89}, raw[0:2])
	assert.Equal(t, byte(200), raw[0x28])

	var back Inode
	require.NoError(t, back.UnmarshalBinary(raw))
	assert.Equal(t, raw, mustMarshal(t, &back))

	assert.ErrorIs(t, back.UnmarshalBinary(raw[:127]), fsys.ErrFormat)
}

func mustMarshal(t *testing.T, ino *Inode) []byte {
	t.Helper()
	b, err := ino.MarshalBinary()
	require.NoError(t, err)
	return b
}

// failWrites rejects every write.
type failWrites struct{ *imagetest.Mem }

var errWriteProtected = errors.New("write protected")

func (failWrites) WriteAt(p []byte, off int64) (int, error) { return 0, errWriteProtected }

func TestWriteInodeFailure(t *testing.T) {
	dev := failWrites{buildDisk(imagetest.Ext2{})}
	v := mustOpen(t, dev)

	err := v.WriteInode(12, sampleInode())
	assert.ErrorIs(t, err, fsys.ErrIO)
	assert.ErrorIs(t, err, errWriteProtected)
}
