//go:build ignore

// mkdisk writes a small fixed VDI image holding one ext2 partition, for
// trying the vdiext commands by hand:
//
//	go run testdata/mkdisk.go
//	go run . info testdata/sample.vdi
package main

import (
	"fmt"
	"os"

	"github.com/lvdlvd/vdiext/internal/imagetest"
)

func main() {
	if err := createSample("testdata/sample.vdi"); err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
		os.Exit(1)
	}
}

func createSample(path string) error {
	const firstLBA = 2048

	// 4 MiB volume with 1 KiB blocks spread over several groups.
	vol := imagetest.Ext2{
		BlocksCount:    4096,
		BlocksPerGroup: 1024,
		InodesPerGroup: 256,
		VolumeName:     "sample",
	}.Build()
	disk := imagetest.Disk(firstLBA*imagetest.SectorSize+len(vol), firstLBA, vol)
	if err := os.WriteFile(path, imagetest.Image(disk), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s: %d byte disk, partition at LBA %d\n", path, len(disk), firstLBA)
	return nil
}
