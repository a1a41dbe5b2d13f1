package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lvdlvd/vdiext/detect"
	"github.com/lvdlvd/vdiext/fsys/ext"
	"github.com/lvdlvd/vdiext/fsys/part"
	"github.com/lvdlvd/vdiext/vdi"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}

// PrintHeader writes the decoded container header.
func PrintHeader(w io.Writer, h vdi.Header) {
	fmt.Fprintf(w, "Image:            %s\n", h.ImageName)
	fmt.Fprintf(w, "Signature:        0x%08X\n", h.Signature)
	fmt.Fprintf(w, "Version:          %s\n", h.VersionString())
	fmt.Fprintf(w, "Header size:      %d\n", h.HeaderSize)
	fmt.Fprintf(w, "Image type:       %s\n", h.TypeString())
	fmt.Fprintf(w, "Flags:            0x%X\n", h.ImageFlags)
	if h.Description != "" {
		fmt.Fprintf(w, "Description:      %s\n", h.Description)
	}
	fmt.Fprintf(w, "Map offset:       0x%X\n", h.MapOffset)
	fmt.Fprintf(w, "Frame offset:     0x%X\n", h.FrameOffset)
	fmt.Fprintf(w, "Frame size:       %d\n", h.FrameSize)
	fmt.Fprintf(w, "Sector size:      %d\n", h.SectorSize)
	fmt.Fprintf(w, "Disk size:        %d\n", h.DiskSize)
	fmt.Fprintf(w, "Block size:       %d\n", h.BlockSize)
	fmt.Fprintf(w, "Block extra:      %d\n", h.BlockExtraSize)
	fmt.Fprintf(w, "Blocks in image:  %d\n", h.BlocksInImage)
	fmt.Fprintf(w, "Blocks allocated: %d\n", h.BlocksAllocated)
}

// PrintTable writes one line per boot-sector entry.
func PrintTable(w io.Writer, t *part.Table) {
	fmt.Fprintf(w, "%-4s %-6s %-14s %-14s %-18s %10s %10s\n", "#", "Boot", "First CHS", "Last CHS", "Type", "Start LBA", "Sectors")
	for i, e := range t.Entries {
		boot := ""
		if e.Active() {
			boot = "*"
		}
		typ := fmt.Sprintf("%s (%02x)", part.TypeName(e.Type), e.Type)
		fmt.Fprintf(w, "%-4d %-6s %-14s %-14s %-18s %10d %10d\n",
			i, boot, e.First(), e.Last(), typ, e.FirstLBA, e.SectorCount)
	}
	if !t.HasSignature() {
		fmt.Fprintln(w, "warning: boot sector signature missing")
	}
}

// PrintSuperblock writes the interesting superblock fields.
func PrintSuperblock(w io.Writer, sb *ext.Superblock) {
	fmt.Fprintf(w, "Volume name:        %s\n", sb.Name())
	fmt.Fprintf(w, "Type:               %s\n", sb.Type())
	fmt.Fprintf(w, "UUID:               %s\n", sb.UUID)
	fmt.Fprintf(w, "Revision:           %d.%d\n", sb.RevLevel, sb.MinorRevLevel)
	fmt.Fprintf(w, "Creator OS:         %s\n", sb.CreatorOSString())
	fmt.Fprintf(w, "State:              %s\n", sb.StateString())
	fmt.Fprintf(w, "Inodes:             %d (%d free)\n", sb.InodesCount, sb.FreeInodesCount)
	fmt.Fprintf(w, "Blocks:             %d (%d free, %d reserved)\n", sb.BlocksCount, sb.FreeBlocksCount, sb.RBlocksCount)
	fmt.Fprintf(w, "First data block:   %d\n", sb.FirstDataBlock)
	fmt.Fprintf(w, "Block size:         %d\n", sb.BlockSize())
	fmt.Fprintf(w, "Inode size:         %d\n", sb.InodeSize())
	fmt.Fprintf(w, "First inode:        %d\n", sb.FirstIno)
	fmt.Fprintf(w, "Blocks per group:   %d\n", sb.BlocksPerGroup)
	fmt.Fprintf(w, "Inodes per group:   %d\n", sb.InodesPerGroup)
	fmt.Fprintf(w, "Block groups:       %d\n", sb.GroupCount())
	fmt.Fprintf(w, "Features:           compat 0x%X, incompat 0x%X, ro_compat 0x%X\n",
		sb.FeatureCompat, sb.FeatureIncompat, sb.FeatureROCompat)
	fmt.Fprintf(w, "Mount count:        %d/%d\n", sb.MntCount, int16(sb.MaxMntCount))
	fmt.Fprintf(w, "Last mounted on:    %s\n", sb.LastMountPath())
	fmt.Fprintf(w, "Last mount time:    %s\n", formatTime(sb.MountTime()))
	fmt.Fprintf(w, "Last write time:    %s\n", formatTime(sb.WriteTime()))
	fmt.Fprintf(w, "Last checked:       %s\n", formatTime(sb.LastCheckTime()))
}

// PrintGroups writes the block group descriptor table.
func PrintGroups(w io.Writer, groups []ext.GroupDescriptor) {
	fmt.Fprintf(w, "%6s %12s %12s %12s %10s %10s %8s\n",
		"Group", "Block bmap", "Inode bmap", "Inode table", "Free blks", "Free inos", "Dirs")
	for i, g := range groups {
		fmt.Fprintf(w, "%6d %12d %12d %12d %10d %10d %8d\n",
			i, g.BlockBitmap, g.InodeBitmap, g.InodeTable, g.FreeBlocksCount, g.FreeInodesCount, g.UsedDirsCount)
	}
}

// PrintInode writes inode n's fields and block pointers.
func PrintInode(w io.Writer, n uint32, ino *ext.Inode) {
	fmt.Fprintf(w, "Inode:       %d\n", n)
	fmt.Fprintf(w, "Mode:        %s (0%o)\n", ino.FileMode(), ino.Mode)
	fmt.Fprintf(w, "Owner:       uid %d, gid %d\n", ino.UID, ino.GID)
	fmt.Fprintf(w, "Size:        %d\n", ino.Size)
	fmt.Fprintf(w, "Links:       %d\n", ino.LinksCount)
	fmt.Fprintf(w, "Sectors:     %d\n", ino.Blocks)
	fmt.Fprintf(w, "Flags:       0x%X\n", ino.Flags)
	fmt.Fprintf(w, "Generation:  %d\n", ino.Generation)
	fmt.Fprintf(w, "Accessed:    %s\n", formatTime(ino.AccessTime()))
	fmt.Fprintf(w, "Changed:     %s\n", formatTime(ino.ChangeTime()))
	fmt.Fprintf(w, "Modified:    %s\n", formatTime(ino.ModTime()))
	fmt.Fprintf(w, "Deleted:     %s\n", formatTime(ino.DeleteTime()))

	direct := make([]string, 0, ext.NumDirect)
	for _, b := range ino.Direct() {
		direct = append(direct, fmt.Sprint(b))
	}
	fmt.Fprintf(w, "Direct:      %s\n", strings.Join(direct, " "))
	fmt.Fprintf(w, "Indirect:    %d\n", ino.Indirect())
	fmt.Fprintf(w, "Double ind.: %d\n", ino.DoubleIndirect())
	fmt.Fprintf(w, "Triple ind.: %d\n", ino.TripleIndirect())
}

// PrintVolume writes a volume's superblock followed by its descriptor table.
func PrintVolume(w io.Writer, v *ext.Volume) {
	sb := v.Superblock()
	PrintSuperblock(w, &sb)
	fmt.Fprintln(w)
	PrintGroups(w, v.Groups())
}

// PrintDetected writes a detection result under the label what.
func PrintDetected(w io.Writer, what string, t detect.Type) {
	fmt.Fprintf(w, "%s: %s\n", what, t)
}

// DumpBlock writes data in hexdump -C layout.
func DumpBlock(w io.Writer, data []byte) error {
	d := hex.Dumper(w)
	if _, err := d.Write(data); err != nil {
		return err
	}
	return d.Close()
}
