package cmd

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/vdiext/fsys/ext"
	"github.com/lvdlvd/vdiext/fsys/part"
	"github.com/lvdlvd/vdiext/internal/imagetest"
)

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "-", formatTime(time.Time{}))
	assert.Equal(t, "2023-11-14 22:13:20 UTC", formatTime(time.Unix(imagetest.Timestamp, 0).UTC()))
}

func TestPrintTable(t *testing.T) {
	sector := imagetest.BootSector(
		imagetest.Partition{Status: 0x80, FirstCHS: [3]byte{1, 0x41, 2}, Type: 0x83, FirstLBA: 2048, SectorCount: 4096},
		imagetest.Partition{Type: 0x82, FirstLBA: 6144, SectorCount: 1024},
	)
	tbl, err := part.Parse(sector)
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintTable(&buf, tbl)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"0", "*", "258/1/1"}, strings.Fields(lines[1])[:3])
	assert.Contains(t, lines[1], "Linux (83)")
	assert.Contains(t, lines[2], "Linux swap (82)")
	assert.Contains(t, lines[3], "Empty (00)")
	assert.NotContains(t, buf.String(), "warning")

	sector[511] = 0
	tbl, err = part.Parse(sector)
	require.NoError(t, err)
	buf.Reset()
	PrintTable(&buf, tbl)
	assert.Contains(t, buf.String(), "warning: boot sector signature missing")
}

func TestPrintInode(t *testing.T) {
	ino := &ext.Inode{
		Mode:       ext.ModeRegular | 0o644,
		UID:        1000,
		GID:        100,
		Size:       5000,
		LinksCount: 1,
		Mtime:      imagetest.Timestamp,
	}
	for i := range ino.Block {
		ino.Block[i] = uint32(100 + i)
	}

	var buf bytes.Buffer
	PrintInode(&buf, 12, ino)
	out := buf.String()
	assert.Contains(t, out, "Mode:        -rw-r--r-- (0100644)\n")
	assert.Contains(t, out, "Owner:       uid 1000, gid 100\n")
	assert.Contains(t, out, "Modified:    2023-11-14 22:13:20 UTC\n")
	assert.Contains(t, out, "Deleted:     -\n")
	assert.Contains(t, out, "Direct:      100 101 102 103 104 105 106 107 108 109 110 111\n")
	assert.Contains(t, out, "Indirect:    112\n")
	assert.Contains(t, out, "Triple ind.: 114\n")
}

func TestDumpBlock(t *testing.T) {
	data := make([]byte, 40)
	for i := range data {
		data[i] = byte('A' + i%26)
	}
	var buf bytes.Buffer
	require.NoError(t, DumpBlock(&buf, data))
	assert.Equal(t, hex.Dump(data), buf.String())
	assert.True(t, strings.HasPrefix(buf.String(), "00000000  41 42 43"))
}
