package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
)

// Block implements subcommands.Command for the "block" command.
type Block struct {
	target
}

// Name implements subcommands.Command.Name.
func (*Block) Name() string {
	return "block"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Block) Synopsis() string {
	return "hex dump one filesystem block"
}

// Usage implements subcommands.Command.Usage.
func (*Block) Usage() string {
	return `block [-partition N] <image> <block> - hex dump a block of the ext2 volume.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Block) SetFlags(f *flag.FlagSet) {
	b.target.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (b *Block) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, rest, ok := splitArgs(f, env, 1)
	if !ok || len(rest) != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	index, err := parseNumber(rest[0])
	if err != nil {
		env.Log.WithError(err).Errorf("bad block number %q", rest[0])
		f.Usage()
		return subcommands.ExitUsageError
	}

	s, err := OpenVolume(env, image, b.resolve(env), false)
	if err != nil {
		env.Log.WithError(err).Error("opening volume")
		return subcommands.ExitFailure
	}
	defer s.Close()

	buf := make([]byte, s.Volume.BlockSize())
	if err := s.Volume.ReadBlock(index, buf); err != nil {
		env.Log.WithError(err).Errorf("reading block %d", index)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(env.Stdout, "Block %d (%d bytes)\n", index, len(buf))
	if err := DumpBlock(env.Stdout, buf); err != nil {
		env.Log.WithError(err).Error("writing dump")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
