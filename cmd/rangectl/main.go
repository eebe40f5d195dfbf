package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/logging"
)

const usage = `usage: rangectl [-config path] <command> [args]

commands:
  serve              run the control channel until interrupted
  console            interactive shell over the control channel
  replay <pcap>      feed recorded device traffic through the dispatcher
  journal <file>     print a frame journal
  commands           list commands and their ack timeouts
`

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "rangectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rangectl", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", "", "path to rangectl TOML config (defaults when empty)")
	fs.Usage = func() { fmt.Fprint(out, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "serve":
		return runServe(ctx, cfg)
	case "console":
		return runConsole(ctx, cfg, rest)
	case "replay":
		return runReplay(ctx, cfg, rest, out)
	case "journal":
		return runJournal(rest, out)
	case "commands":
		return runCommands(cfg, out)
	case "help":
		fs.Usage()
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
}
