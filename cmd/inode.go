package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"

	"github.com/lvdlvd/vdiext/fsys/ext"
)

// Inode implements subcommands.Command for the "inode" command.
type Inode struct {
	target
	raw bool
}

// Name implements subcommands.Command.Name.
func (*Inode) Name() string {
	return "inode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inode) Synopsis() string {
	return "print one inode record"
}

// Usage implements subcommands.Command.Usage.
func (*Inode) Usage() string {
	return `inode [-partition N] [-raw] <image> [inode] - print the fields of an inode,
the root directory (inode 2) by default.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inode) SetFlags(f *flag.FlagSet) {
	i.target.setFlags(f)
	f.BoolVar(&i.raw, "raw", false, "also hex dump the on-disk record")
}

// Execute implements subcommands.Command.Execute.
func (i *Inode) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, rest, ok := splitArgs(f, env, 1)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}
	n := uint32(ext.RootInode)
	if len(rest) == 1 {
		var err error
		if n, err = parseNumber(rest[0]); err != nil {
			env.Log.WithError(err).Errorf("bad inode number %q", rest[0])
			f.Usage()
			return subcommands.ExitUsageError
		}
	}

	s, err := OpenVolume(env, image, i.resolve(env), false)
	if err != nil {
		env.Log.WithError(err).Error("opening volume")
		return subcommands.ExitFailure
	}
	defer s.Close()

	ino, err := s.Volume.FetchInode(n)
	if err != nil {
		env.Log.WithError(err).Errorf("fetching inode %d", n)
		return subcommands.ExitFailure
	}
	PrintInode(env.Stdout, n, ino)
	if i.raw {
		rec, err := ino.MarshalBinary()
		if err == nil {
			err = DumpBlock(env.Stdout, rec)
		}
		if err != nil {
			env.Log.WithError(err).Error("dumping inode record")
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}
