package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// Alloc implements subcommands.Command for the "alloc" command.
type Alloc struct {
	target
	group int
}

// Name implements subcommands.Command.Name.
func (*Alloc) Name() string {
	return "alloc"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Alloc) Synopsis() string {
	return "mark the first free inode in use and print its number"
}

// Usage implements subcommands.Command.Usage.
func (*Alloc) Usage() string {
	return `alloc [-partition N] [-group G] <image> - allocate an inode, searching from
block group G (0 by default) towards the last group.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Alloc) SetFlags(f *flag.FlagSet) {
	a.target.setFlags(f)
	f.IntVar(&a.group, "group", -1, "block group to start searching from")
}

// Execute implements subcommands.Command.Execute.
func (a *Alloc) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, _, ok := splitArgs(f, env, 0)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := OpenVolume(env, image, a.resolve(env), true)
	if err != nil {
		env.Log.WithError(err).Error("opening volume")
		return subcommands.ExitFailure
	}
	defer s.Close()

	n, err := s.Volume.Allocate(a.group)
	if err != nil {
		env.Log.WithError(err).Error("allocating inode")
		return subcommands.ExitFailure
	}
	env.Log.WithField("inode", n).Info("allocated inode")
	fmt.Fprintln(env.Stdout, n)
	return subcommands.ExitSuccess
}

// Free implements subcommands.Command for the "free" command.
type Free struct {
	target
}

// Name implements subcommands.Command.Name.
func (*Free) Name() string {
	return "free"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Free) Synopsis() string {
	return "clear an inode's allocation bit"
}

// Usage implements subcommands.Command.Usage.
func (*Free) Usage() string {
	return `free [-partition N] <image> <inode> - mark an inode free in its group's inode bitmap.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (fr *Free) SetFlags(f *flag.FlagSet) {
	fr.target.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (fr *Free) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, rest, ok := splitArgs(f, env, 1)
	if !ok || len(rest) != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	n, err := parseNumber(rest[0])
	if err != nil {
		env.Log.WithError(err).Errorf("bad inode number %q", rest[0])
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := OpenVolume(env, image, fr.resolve(env), true)
	if err != nil {
		env.Log.WithError(err).Error("opening volume")
		return subcommands.ExitFailure
	}
	defer s.Close()

	used, err := s.Volume.IsAllocated(n)
	if err != nil {
		env.Log.WithError(err).Errorf("reading inode %d bitmap", n)
		return subcommands.ExitFailure
	}
	if !used {
		env.Log.WithField("inode", n).Warn("inode already free")
	}
	if err := s.Volume.Free(n); err != nil {
		env.Log.WithError(err).Errorf("freeing inode %d", n)
		return subcommands.ExitFailure
	}
	env.Log.WithField("inode", n).Info("freed inode")
	return subcommands.ExitSuccess
}
