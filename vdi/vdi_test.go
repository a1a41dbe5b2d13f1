package vdi

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/vdiext/fsys"
	"github.com/lvdlvd/vdiext/internal/imagetest"
)

func patternDisk(n int) []byte {
	disk := make([]byte, n)
	for i := range disk {
		disk[i] = byte(i * 7)
	}
	return disk
}

func TestParseHeader(t *testing.T) {
	raw := imagetest.EncodeHeader(imagetest.Header{
		ImageName:   "<<< test >>>",
		Signature:   Signature,
		ImageType:   TypeFixed,
		MapOffset:   0x200,
		FrameOffset: 0x1000,
		DiskSize:    4 << 20,
	})

	h, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, "<<< test >>>", h.ImageName)
	assert.Equal(t, uint32(0x1000), h.FrameOffset)
	assert.Equal(t, uint64(4<<20), h.DiskSize)
	assert.Equal(t, "fixed", h.TypeString())
	assert.Equal(t, "1.1", h.VersionString())
	assert.Equal(t, uint32(512), h.SectorSize)

	out := make([]byte, HeaderSize)
	h.Encode(out)
	assert.Equal(t, raw[:HeaderSize], out)
}

func TestParseHeaderRejects(t *testing.T) {
	good := imagetest.EncodeHeader(imagetest.Header{Signature: Signature, DiskSize: 1024})

	_, err := ParseHeader(good[:HeaderSize-1])
	assert.ErrorIs(t, err, fsys.ErrFormat)

	bad := append([]byte(nil), good...)
	bad[0x40] ^= 0xFF
	_, err = ParseHeader(bad)
	assert.ErrorIs(t, err, fsys.ErrFormat)
}

func TestOpenAndRead(t *testing.T) {
	disk := patternDisk(8192)
	path := imagetest.WriteFile(t, "disk.vdi", imagetest.Image(disk))

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, int64(len(disk)), d.Size())
	assert.Equal(t, uint32(imagetest.DefaultFrameOffset), d.Header().FrameOffset)

	buf := make([]byte, 1)
	for off := int64(0); off < d.Size(); off += 97 {
		n, err := d.ReadAt(buf, off)
		require.NoError(t, err, "offset %d", off)
		require.Equal(t, 1, n)
		require.Equal(t, disk[off], buf[0], "offset %d", off)
	}

	n, err := d.ReadAt(buf, d.Size())
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	big := make([]byte, 100)
	n, err = d.ReadAt(big, d.Size()-10)
	assert.Equal(t, 10, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, disk[len(disk)-10:], big[:10])
}

func TestWriteTranslatesAndClamps(t *testing.T) {
	disk := make([]byte, 4096)
	path := imagetest.WriteFile(t, "disk.vdi", imagetest.Image(disk))

	d, err := Open(path)
	require.NoError(t, err)

	n, err := d.WriteAt([]byte("hello"), 100)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = d.WriteAt([]byte("world"), 4094)
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 2, n)
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	img, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(img[imagetest.DefaultFrameOffset+100:][:5]))
	assert.Equal(t, "wo", string(img[imagetest.DefaultFrameOffset+4094:][:2]))
	assert.Len(t, img, imagetest.DefaultFrameOffset+4096, "write grew the image")
}

func TestOpenRejectsBadImages(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", imagetest.Image(make([]byte, 512))[:HeaderSize-1]},
		{"bad signature", imagetest.EncodeHeader(imagetest.Header{Signature: 0x12345678, DiskSize: 512})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := imagetest.WriteFile(t, "bad.vdi", tt.data)
			_, err := Open(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, fsys.ErrFormat)

			// A failed open must not leave the image locked.
			d, err := Open(path, ReadOnly())
			if err == nil {
				d.Close()
			}
			assert.NotContains(t, errString(err), "locked")
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(t.TempDir() + "/nope.vdi")
	assert.ErrorIs(t, err, fsys.ErrFormat)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocking(t *testing.T) {
	path := imagetest.WriteFile(t, "disk.vdi", imagetest.Image(make([]byte, 1024)))

	d, err := Open(path)
	require.NoError(t, err)

	_, err = Open(path)
	assert.ErrorIs(t, err, fsys.ErrIO)
	_, err = Open(path, ReadOnly())
	assert.ErrorIs(t, err, fsys.ErrIO)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	r1, err := Open(path, ReadOnly())
	require.NoError(t, err)
	defer r1.Close()
	r2, err := Open(path, ReadOnly())
	require.NoError(t, err)
	defer r2.Close()

	_, err = Open(path)
	assert.ErrorIs(t, err, fsys.ErrIO)
}

func TestReadOnlyAndClosed(t *testing.T) {
	path := imagetest.WriteFile(t, "disk.vdi", imagetest.Image(make([]byte, 1024)))

	d, err := Open(path, ReadOnly())
	require.NoError(t, err)
	assert.True(t, d.ReadOnly())

	_, err = d.WriteAt([]byte{1}, 0)
	assert.ErrorIs(t, err, fsys.ErrIO)
	assert.ErrorAs(t, err, new(fsys.ReadOnlyError))

	require.NoError(t, d.Close())
	_, err = d.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, fsys.ErrIO)
	assert.ErrorIs(t, err, os.ErrClosed)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
