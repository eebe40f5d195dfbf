package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"text/tabwriter"

	"github.com/danmuck/rangectl/internal/capture"
	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/journal"
	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/frame"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/transport"
)

func runReplay(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(out)
	port := fs.Int("port", listenPort(cfg), "host control port to keep (0 keeps every UDP datagram)")
	realtime := fs.Bool("realtime", false, "pace frames by capture timestamps")
	strict := fs.Bool("strict", false, "skip sources that are not configured devices")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: replay [-port n] [-realtime] [-strict] <file.pcap>")
	}

	devices := make(map[string]session.DeviceID, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices[d.Addr] = session.DeviceID(d.ID)
	}
	st, err := capture.ReplayFile(ctx, fs.Arg(0), capture.Config{
		Port:     *port,
		Devices:  devices,
		Strict:   *strict,
		Realtime: *realtime,
	}, frameWriter(out))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d packets, %d frames, %d skipped, span %s\n",
		st.Packets, st.Delivered, st.Skipped, st.Last.Sub(st.First))
	return nil
}

func listenPort(cfg config.Config) int {
	_, p, err := net.SplitHostPort(cfg.Transport.UDP.Listen)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

// frameWriter prints one line per decoded frame.
func frameWriter(out io.Writer) transport.Receiver {
	return transport.ReceiverFunc(func(device session.DeviceID, raw []byte) {
		fmt.Fprintln(out, describeFrame(device, raw))
	})
}

func describeFrame(device session.DeviceID, raw []byte) string {
	f, err := frame.Decode(raw)
	if err != nil {
		return fmt.Sprintf("%s malformed (%d bytes): %v", device, len(raw), err)
	}
	return fmt.Sprintf("%s %s %s seq=%d %s", device, f.Type, f.Command, f.Sequence, hex.EncodeToString(f.Payload))
}

func runJournal(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	fs.SetOutput(out)
	device := fs.String("device", "", "only entries of this device")
	sessionID := fs.String("session", "", "only entries of this engine session")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: journal [-device id] [-session uuid] <file>")
	}
	entries, err := journal.ReadFile(fs.Arg(0), journal.Filter{Device: *device, Session: *sessionID})
	if err != nil {
		return err
	}
	return printJournal(entries, out)
}

func printJournal(entries []journal.Entry, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		detail := e.Note
		if len(e.Frame) > 0 {
			detail = describeFrame(session.DeviceID(e.Device), e.Frame)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\tseq=%d\tattempt=%d\t%s\n",
			e.Time.Format("15:04:05.000"), e.Session[:min(8, len(e.Session))], e.Direction, e.Kind,
			e.Device, e.Sequence, e.Attempt, detail)
	}
	return tw.Flush()
}

func runCommands(cfg config.Config, out io.Writer) error {
	registry, err := cfg.Registry()
	if err != nil {
		return err
	}
	return printCommands(registry, out)
}

func printCommands(registry *command.Registry, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMMAND\tSET\tID\tTIMEOUT")
	for _, c := range registry.Commands() {
		timeout, err := registry.TimeoutFor(c)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", c, uint8(c.Set()), c.ID(), timeout)
	}
	return tw.Flush()
}
