// vdiext inspects and edits the ext2 volume inside a VirtualBox disk image.
//
// Usage:
//
//	vdiext [-config file] [-log-level level] [-log-format text|json] [-read-only] <command> ...
//
//	vdiext info [-partition N] <image>
//	vdiext inode [-partition N] [-raw] <image> [inode]
//	vdiext alloc [-partition N] [-group G] <image>
//	vdiext free [-partition N] <image> <inode>
//	vdiext block [-partition N] <image> <block>
//	vdiext serve [-socket path] [-read-only] <image>
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lvdlvd/vdiext/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := cmd.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(int(status))
}
