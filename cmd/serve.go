package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/lvdlvd/vdiext/nbd"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	socket   string
	readOnly bool
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "export the disk and its partitions over NBD"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [-socket path] [-read-only] <image> - serve the logical disk as export
"disk" and every non-empty partition N as "partN" on a unix socket until
interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.socket, "socket", "vdiext.sock", "unix socket to listen on")
	f.BoolVar(&s.readOnly, "read-only", false, "reject client writes")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	env := args[0].(*Env)
	image, _, ok := splitArgs(f, env, 0)
	if !ok {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sess, err := OpenDisk(env, image, !s.readOnly)
	if err != nil {
		env.Log.WithError(err).Error("opening image")
		return subcommands.ExitFailure
	}
	defer sess.Close()
	ro := sess.Disk.ReadOnly()

	srv := nbd.NewServer(env.Log.WithField("image", image))
	if err := srv.AddExport(&nbd.Export{Name: "disk", Device: sess.Disk, ReadOnly: ro}); err != nil {
		env.Log.WithError(err).Error("adding export")
		return subcommands.ExitFailure
	}
	for i, e := range sess.Table.Entries {
		if e.Empty() {
			continue
		}
		view, err := sess.Table.Select(sess.Disk, i)
		if err != nil {
			env.Log.WithError(err).Warnf("skipping partition %d", i)
			continue
		}
		if err := srv.AddExport(&nbd.Export{Name: fmt.Sprintf("part%d", i), Device: view, ReadOnly: ro}); err != nil {
			env.Log.WithError(err).Error("adding export")
			return subcommands.ExitFailure
		}
	}

	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(s.socket) }()

	select {
	case <-ctx.Done():
		env.Log.Info("shutting down")
		srv.Close()
		err = <-served
	case err = <-served:
	}
	if err != nil {
		env.Log.WithError(err).Error("serving")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
