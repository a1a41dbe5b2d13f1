// Package cmd implements the vdiext subcommands.
package cmd

import (
	"flag"
	"io"
	"strconv"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vdiext/config"
)

// Env is handed to every subcommand as the first argument to Execute.
type Env struct {
	Config *config.Config
	Log    *logrus.Logger
	Stdout io.Writer
}

// Commands returns the vdiext subcommands in registration order.
func Commands() []subcommands.Command {
	return []subcommands.Command{
		new(Info),
		new(Inode),
		new(Alloc),
		new(Free),
		new(Block),
		new(Serve),
	}
}

// target holds the flags every volume-level subcommand shares.
type target struct {
	partition int
}

func (t *target) setFlags(f *flag.FlagSet) {
	f.IntVar(&t.partition, "partition", -1, "boot-sector slot (0-3) holding the ext2 volume; defaults to the config value")
}

func (t *target) resolve(env *Env) int {
	if t.partition >= 0 {
		return t.partition
	}
	return env.Config.Partition
}

// splitArgs separates the image path from the other positional arguments.
// The path may be left out when the config names an image, in which case at
// most max further arguments are accepted. A leading argument that is not a
// number is always taken as the image.
func splitArgs(f *flag.FlagSet, env *Env, max int) (image string, rest []string, ok bool) {
	args := f.Args()
	switch {
	case len(args) > max+1:
		return "", nil, false
	case len(args) == max+1:
		return args[0], args[1:], true
	case len(args) > 0 && (env.Config.Image == "" || !isNumber(args[0])):
		return args[0], args[1:], true
	case env.Config.Image != "":
		return env.Config.Image, args, true
	}
	return "", nil, false
}

func isNumber(s string) bool {
	_, err := parseNumber(s)
	return err == nil
}

func parseNumber(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	return uint32(n), err
}
