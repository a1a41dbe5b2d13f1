package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/lvdlvd/vdiext/detect"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	target
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "show the container header, partition table and ext2 volume metadata"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [-partition N] <image> - print the VDI header, the boot-sector
partition table, and the superblock and block group descriptors of the
selected partition.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	i.target.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, _, ok := splitArgs(f, env, 0)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := OpenDisk(env, image, false)
	if err != nil {
		env.Log.WithError(err).Error("opening image")
		return subcommands.ExitFailure
	}
	defer s.Close()

	w := env.Stdout
	PrintHeader(w, s.Disk.Header())
	fmt.Fprintln(w)

	if t, err := detect.Detect(s.Disk); err != nil {
		env.Log.WithError(err).Warn("probing disk")
	} else {
		PrintDetected(w, "Disk layout", t)
	}
	PrintTable(w, s.Table)
	fmt.Fprintln(w)

	index := i.resolve(env)
	if err := s.Mount(index); err != nil {
		env.Log.WithError(err).Errorf("opening partition %d", index)
		return subcommands.ExitFailure
	}
	if t, err := detect.Detect(s.View); err != nil {
		env.Log.WithError(err).Warn("probing partition")
	} else {
		PrintDetected(w, fmt.Sprintf("Partition %d", index), t)
	}
	PrintVolume(w, s.Volume)
	return subcommands.ExitSuccess
}
