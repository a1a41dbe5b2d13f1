package part

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/vdiext/fsys"
	"github.com/lvdlvd/vdiext/internal/imagetest"
)

func TestParse(t *testing.T) {
	sector := imagetest.BootSector(
		imagetest.Partition{
			Status:      0x80,
			FirstCHS:    [3]byte{0x20, 0x21, 0x00},
			Type:        0x83,
			LastCHS:     [3]byte{0xFE, 0xFF, 0xFF},
			FirstLBA:    2048,
			SectorCount: 204800,
		},
		imagetest.Partition{Type: 0x82, FirstLBA: 206848, SectorCount: 8192},
	)

	tbl, err := Parse(sector)
	require.NoError(t, err)
	assert.True(t, tbl.HasSignature())

	e := tbl.Entries[0]
	assert.True(t, e.Active())
	assert.False(t, e.Empty())
	assert.Equal(t, "Linux", TypeName(e.Type))
	assert.Equal(t, int64(1048576), e.StartByte())
	assert.Equal(t, int64(104857600), e.SizeBytes())
	assert.Equal(t, CHS{Cylinder: 0, Head: 0x20, Sector: 0x21}, e.First())
	assert.Equal(t, CHS{Cylinder: 1023, Head: 254, Sector: 63}, e.Last())

	assert.False(t, tbl.Entries[1].Active())
	assert.Equal(t, "Linux swap", TypeName(tbl.Entries[1].Type))
	assert.True(t, tbl.Entries[2].Empty())
	assert.True(t, tbl.Entries[3].Empty())
}

func TestParseShortSector(t *testing.T) {
	_, err := Parse(make([]byte, 511))
	assert.ErrorIs(t, err, fsys.ErrFormat)
}

func TestParseWithoutSignature(t *testing.T) {
	sector := imagetest.BootSector(imagetest.Partition{Type: 0x83, FirstLBA: 1, SectorCount: 1})
	sector[510], sector[511] = 0, 0

	tbl, err := Parse(sector)
	require.NoError(t, err)
	assert.False(t, tbl.HasSignature())
	assert.Equal(t, int64(512), tbl.Entries[0].StartByte())
}

func TestDecodeCHS(t *testing.T) {
	tests := []struct {
		in   [3]byte
		want CHS
	}{
		{[3]byte{0, 1, 0}, CHS{0, 0, 1}},
		{[3]byte{1, 0x41, 0x02}, CHS{258, 1, 1}},
		{[3]byte{0xFE, 0xFF, 0xFF}, CHS{1023, 254, 63}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecodeCHS(tt.in), "%x", tt.in)
	}
}

func TestReadTableShortDisk(t *testing.T) {
	_, err := ReadTable(imagetest.NewMem(100))
	assert.ErrorIs(t, err, fsys.ErrIO)
}

func TestSelectRange(t *testing.T) {
	tbl, err := Parse(imagetest.BootSector())
	require.NoError(t, err)
	disk := imagetest.NewMem(1024)

	for _, idx := range []int{-1, 4, 100} {
		_, err := tbl.Select(disk, idx)
		assert.ErrorIs(t, err, fsys.ErrRange, "index %d", idx)
	}

	v, err := tbl.Select(disk, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.Size())
	assert.Equal(t, 3, v.Index())
}

func newView(t *testing.T) (*imagetest.Mem, *View) {
	t.Helper()
	disk := imagetest.NewMem(8 * SectorSize)
	for i := range disk.Data {
		disk.Data[i] = byte(i / SectorSize)
	}
	copy(disk.Data, imagetest.BootSector(imagetest.Partition{Type: 0x83, FirstLBA: 2, SectorCount: 3}))

	tbl, err := ReadTable(disk)
	require.NoError(t, err)
	v, err := tbl.Select(disk, 0)
	require.NoError(t, err)
	return disk, v
}

func TestViewRead(t *testing.T) {
	_, v := newView(t)
	assert.Equal(t, int64(1024), v.Start())
	assert.Equal(t, int64(1536), v.Size())
	assert.Equal(t, int64(4096), v.DiskSize())

	buf := make([]byte, 1000)
	total := 0
	for {
		n, err := v.Read(buf)
		total += n
		assert.LessOrEqual(t, v.Cursor(), v.Size())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 1536, total)
	assert.Equal(t, v.Size(), v.Cursor())

	n, err := v.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = v.Seek(0, io.SeekStart)
	require.NoError(t, err)
	n, err = v.Read(buf[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(2), buf[0], "first byte should come from sector 2")
}

func TestViewWriteStaysInPartition(t *testing.T) {
	disk, v := newView(t)

	_, err := v.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	n, err := v.Write([]byte("abcdefgh"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 4, n)
	assert.Equal(t, v.Size(), v.Cursor())

	end := v.Start() + v.Size()
	assert.Equal(t, "abcd", string(disk.Data[end-4:end]))
	assert.Equal(t, byte(5), disk.Data[end], "write crossed the partition end")

	n, err = v.Write([]byte("x"))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestViewSeek(t *testing.T) {
	_, v := newView(t)

	tests := []struct {
		name    string
		off     int64
		whence  int
		want    int64
		wantErr bool
	}{
		{"start", 100, io.SeekStart, 100, false},
		{"current", 50, io.SeekCurrent, 150, false},
		{"end", 0, io.SeekEnd, 1536, false},
		{"before start", -1, io.SeekStart, 1536, true},
		{"past end", 1, io.SeekEnd, 1536, true},
		{"current back", -1536, io.SeekCurrent, 0, false},
		{"bad whence", 0, 7, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := v.Seek(tt.off, tt.whence)
			if tt.wantErr {
				assert.ErrorIs(t, err, fsys.ErrRange)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, pos)
			assert.Equal(t, tt.want, v.Cursor())
		})
	}
}

func TestViewExplicitOffsetLeavesCursor(t *testing.T) {
	_, v := newView(t)
	_, err := v.Seek(10, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = v.ReadAt(buf, 512)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 3, 3, 3}, buf)
	_, err = v.WriteAt([]byte{9}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Cursor())
}

func TestViewPartitionPastDiskEnd(t *testing.T) {
	disk := imagetest.NewMem(4 * SectorSize)
	copy(disk.Data, imagetest.BootSector(imagetest.Partition{Type: 0x83, FirstLBA: 2, SectorCount: 100}))
	tbl, err := ReadTable(disk)
	require.NoError(t, err)
	v, err := tbl.Select(disk, 0)
	require.NoError(t, err)

	buf := make([]byte, 4*SectorSize)
	n, err := v.Read(buf)
	assert.Equal(t, 2*SectorSize, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(2*SectorSize), v.Cursor())
}
