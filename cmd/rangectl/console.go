package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/engine"
	"github.com/danmuck/rangectl/internal/logging"
	"github.com/danmuck/rangectl/internal/protocol/command"
	"github.com/danmuck/rangectl/internal/protocol/payload"
	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const consoleHelp = `commands:
  send <device> <command> [hex]     send without waiting; the outcome is printed later
  request <device> <command> [hex]  send and wait for the outcome
  mode <device> normal|power_saving|standby
  heartbeat <device>                request and decode a heartbeat ack
  info <device>                     request firmware version
  cancel <device> <seq>             withdraw one outstanding request
  disconnect <device>               withdraw every request of a device
  pending                           list outstanding requests
  subscribe <command>               print messages carrying command
  unsubscribe <command>
  stats                             dispatcher counters
  commands                          list command names
  help | quit`

type console struct {
	eng      *engine.Engine
	rl       *readline.Instance
	out      io.Writer
	deadline time.Duration

	mu   sync.Mutex
	subs map[command.Command]func()
}

func runConsole(ctx context.Context, cfg config.Config, _ []string) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "rangectl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("create readline: %w", err)
	}
	defer rl.Close()
	logging.Apply(logging.Config{Level: zerolog.GlobalLevel(), Timestamp: true, Out: rl.Stderr()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := rt.start(ctx)
	go func() {
		if err := <-errs; err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("rangectl.console runtime stopped")
			cancel()
		}
	}()

	c := &console{
		eng:      rt.engine,
		rl:       rl,
		out:      rl.Stdout(),
		deadline: requestDeadline(cfg),
		subs:     make(map[command.Command]func()),
	}
	fmt.Fprintf(c.out, "session %s\n%s\n", rt.engine.SessionID(), consoleHelp)
	c.loop(ctx)
	return nil
}

// requestDeadline bounds a blocking console request by the longest time the
// scheduler could spend on it.
func requestDeadline(cfg config.Config) time.Duration {
	longest := command.DefaultTimeout
	for _, d := range cfg.Timeouts {
		if d > longest {
			longest = d
		}
	}
	attempts := cfg.Engine.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts+1)*longest + cfg.Engine.Retry.Backoff.MaxDelay*time.Duration(attempts)
}

func (c *console) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if quit := c.exec(ctx, strings.ToLower(fields[0]), fields[1:]); quit {
			return
		}
	}
}

func (c *console) exec(ctx context.Context, name string, args []string) bool {
	var err error
	switch name {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	case "quit", "exit", "q":
		return true
	case "send":
		err = c.cmdSend(args)
	case "request", "req":
		err = c.cmdRequest(ctx, args)
	case "mode":
		err = c.cmdMode(ctx, args)
	case "heartbeat", "hb":
		err = c.cmdHeartbeat(ctx, args)
	case "info":
		err = c.cmdInfo(ctx, args)
	case "cancel":
		err = c.cmdCancel(args)
	case "disconnect":
		err = c.cmdDisconnect(args)
	case "pending", "p":
		c.cmdPending()
	case "subscribe", "sub":
		err = c.cmdSubscribe(args)
	case "unsubscribe", "unsub":
		err = c.cmdUnsubscribe(args)
	case "stats":
		fmt.Fprintf(c.out, "%+v\n", c.eng.Stats())
	case "commands":
		err = printCommands(c.eng.Registry(), c.out)
	default:
		err = fmt.Errorf("unknown command %q (type 'help')", name)
	}
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

func (c *console) cmdSend(args []string) error {
	device, cmd, body, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	seq, err := c.eng.Send(device, cmd, body, func(r session.Result) {
		fmt.Fprintln(c.out, formatResult(r))
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s seq=%d sent\n", device, cmd, seq)
	return nil
}

func (c *console) cmdRequest(ctx context.Context, args []string) error {
	device, cmd, body, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	r, err := c.request(ctx, device, cmd, body)
	if err != nil && r.Device == "" {
		return err
	}
	fmt.Fprintln(c.out, formatResult(r))
	return nil
}

func (c *console) request(ctx context.Context, device session.DeviceID, cmd command.Command, body []byte) (session.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()
	return c.eng.Request(ctx, device, cmd, body)
}

func (c *console) cmdMode(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: mode <device> normal|power_saving|standby")
	}
	mode, err := parseMode(args[1])
	if err != nil {
		return err
	}
	body, err := payload.EncodeSetMode(mode)
	if err != nil {
		return err
	}
	r, err := c.request(ctx, session.DeviceID(args[0]), command.LidarSetMode.Command(), body)
	if err != nil {
		return err
	}
	rc, err := payload.DecodeReturnCode(r.Payload)
	if err != nil {
		return err
	}
	if err := rc.Err(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s mode set to %s\n", args[0], args[1])
	return nil
}

func (c *console) cmdHeartbeat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: heartbeat <device>")
	}
	r, err := c.request(ctx, session.DeviceID(args[0]), command.GeneralHeartbeat.Command(), nil)
	if err != nil {
		return err
	}
	hb, err := payload.DecodeHeartbeatAck(r.Payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s state=%s status=%#08x abnormal=%t\n", args[0], hb.State, uint32(hb.Status), hb.Status.Abnormal())
	return nil
}

func (c *console) cmdInfo(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: info <device>")
	}
	r, err := c.request(ctx, session.DeviceID(args[0]), command.GeneralDeviceInfo.Command(), nil)
	if err != nil {
		return err
	}
	rc, version, err := payload.DecodeDeviceInfoAck(r.Payload)
	if err != nil {
		return err
	}
	if err := rc.Err(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s firmware %s\n", args[0], version)
	return nil
}

func (c *console) cmdCancel(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: cancel <device> <seq>")
	}
	seq, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("bad sequence %q", args[1])
	}
	if !c.eng.Cancel(session.DeviceID(args[0]), uint16(seq)) {
		return fmt.Errorf("no outstanding request %s/%d", args[0], seq)
	}
	return nil
}

func (c *console) cmdDisconnect(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: disconnect <device>")
	}
	fmt.Fprintf(c.out, "%d request(s) cancelled\n", c.eng.Disconnect(session.DeviceID(args[0])))
	return nil
}

func (c *console) cmdPending() {
	pending := c.eng.Pending()
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "no outstanding requests")
		return
	}
	for _, p := range pending {
		fmt.Fprintf(c.out, "%-18s %-36s seq=%-5d attempt=%d due=%s\n",
			p.Device, p.Command, p.Sequence, p.Attempts, time.Until(p.Deadline).Round(time.Millisecond))
	}
}

func (c *console) cmdSubscribe(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: subscribe <command>")
	}
	cmd, err := command.Parse(args[0])
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[cmd]; ok {
		return fmt.Errorf("already subscribed to %s", cmd)
	}
	unsub, err := c.eng.Subscribe(cmd, func(m session.Message) {
		fmt.Fprintf(c.out, "msg %s %s seq=%d %s\n", m.Device, m.Command, m.Sequence, hex.EncodeToString(m.Payload))
	})
	if err != nil {
		return err
	}
	c.subs[cmd] = unsub
	return nil
}

func (c *console) cmdUnsubscribe(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: unsubscribe <command>")
	}
	cmd, err := command.Parse(args[0])
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	unsub, ok := c.subs[cmd]
	if !ok {
		return fmt.Errorf("not subscribed to %s", cmd)
	}
	unsub()
	delete(c.subs, cmd)
	return nil
}

func parseSendArgs(args []string) (session.DeviceID, command.Command, []byte, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", command.Command{}, nil, errors.New("usage: <device> <command> [hex payload]")
	}
	cmd, err := command.Parse(args[1])
	if err != nil {
		return "", command.Command{}, nil, err
	}
	var body []byte
	if len(args) == 3 {
		body, err = parseHex(args[2])
		if err != nil {
			return "", command.Command{}, nil, err
		}
	}
	return session.DeviceID(args[0]), cmd, body, nil
}

func parseHex(raw string) ([]byte, error) {
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(strings.TrimPrefix(strings.ToLower(raw), "0x"))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("bad hex payload %q: %w", raw, err)
	}
	return b, nil
}

func parseMode(raw string) (payload.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "normal":
		return payload.ModeNormal, nil
	case "power_saving", "powersaving", "power-saving":
		return payload.ModePowerSaving, nil
	case "standby":
		return payload.ModeStandby, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", raw)
	}
}

func formatResult(r session.Result) string {
	if r.Err != nil {
		return fmt.Sprintf("%s %s seq=%d attempts=%d: %v", r.Device, r.Command, r.Sequence, r.Attempts, r.Err)
	}
	return fmt.Sprintf("%s %s seq=%d attempts=%d ack %s", r.Device, r.Command, r.Sequence, r.Attempts, hex.EncodeToString(r.Payload))
}
