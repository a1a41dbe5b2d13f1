package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vdiext/config"
)

// Run parses the top-level flags in args, loads the config file and
// dispatches to the named subcommand.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) subcommands.ExitStatus {
	top := flag.NewFlagSet("vdiext", flag.ContinueOnError)
	top.SetOutput(stderr)
	var (
		configPath = top.String("config", "", "config file; defaults to $"+config.EnvVar+" or ~/.config/vdiext.toml")
		logLevel   = top.String("log-level", "", "logrus level: panic, fatal, error, warning, info, debug or trace")
		logFormat  = top.String("log-format", "", "log output format: text or json")
		readOnly   = top.Bool("read-only", false, "never open the image for writing")
	)

	cdr := subcommands.NewCommander(top, "vdiext")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	for _, c := range Commands() {
		cdr.Register(c, "")
	}

	if err := top.Parse(args); err != nil {
		return subcommands.ExitUsageError
	}

	path, mustExist := *configPath, true
	if path == "" {
		path, mustExist = config.DefaultPath(), false
	}
	conf, err := config.Load(path, mustExist)
	if err != nil {
		fmt.Fprintf(stderr, "vdiext: loading config: %v\n", err)
		return subcommands.ExitFailure
	}
	if *logLevel != "" {
		conf.LogLevel = *logLevel
	}
	if *logFormat != "" {
		conf.LogFormat = *logFormat
	}
	if *readOnly {
		conf.ReadOnly = true
	}

	log, err := newLogger(conf, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "vdiext: %v\n", err)
		return subcommands.ExitUsageError
	}
	if path != "" {
		log.WithField("path", path).Debug("config loaded")
	}

	env := &Env{Config: conf, Log: log, Stdout: stdout}
	return cdr.Execute(ctx, env)
}

func newLogger(conf *config.Config, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)
	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	switch conf.LogFormat {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", conf.LogFormat)
	}
	return log, nil
}
