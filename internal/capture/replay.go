// Package capture replays recorded control-channel traffic from pcap files.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/rangectl/internal/protocol/session"
	"github.com/danmuck/rangectl/internal/transport"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
)

// Config selects which datagrams are replayed.
type Config struct {
	// Port is the host control port; only datagrams sent to it are replayed.
	// Zero replays every UDP datagram.
	Port int
	// Devices maps a source "ip:port" to a device. Unmapped sources use the
	// address itself as the device id unless Strict is set.
	Devices map[string]session.DeviceID
	Strict  bool
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
}

// Stats summarises one replay.
type Stats struct {
	Packets   int
	Delivered int
	Skipped   int
	First     time.Time
	Last      time.Time
}

// ReplayFile opens path and replays it into r.
func ReplayFile(ctx context.Context, path string, cfg Config, r transport.Receiver) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("capture: open %s: %w", path, err)
	}
	defer f.Close()
	return Replay(ctx, f, cfg, r)
}

// Replay decodes a pcap stream and hands each matching UDP payload to r as a
// frame from the mapped device.
func Replay(ctx context.Context, src io.Reader, cfg Config, r transport.Receiver) (Stats, error) {
	var st Stats
	pr, err := pcapgo.NewReader(src)
	if err != nil {
		return st, fmt.Errorf("capture: read pcap header: %w", err)
	}
	linkType := pr.LinkType()

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		data, ci, err := pr.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().
					Int("packets", st.Packets).
					Int("delivered", st.Delivered).
					Int("skipped", st.Skipped).
					Msg("capture.replay done")
				return st, nil
			}
			return st, fmt.Errorf("capture: packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		device, payload, ok := cfg.extract(gopacket.NewPacket(data, linkType, gopacket.NoCopy))
		if !ok {
			st.Skipped++
			continue
		}

		if cfg.Realtime && !st.Last.IsZero() {
			if err := sleepCtx(ctx, ci.Timestamp.Sub(st.Last)); err != nil {
				return st, err
			}
		}
		if st.First.IsZero() {
			st.First = ci.Timestamp
		}
		st.Last = ci.Timestamp

		r.OnFrameReceived(device, append([]byte(nil), payload...))
		st.Delivered++
	}
}

func (cfg Config) extract(p gopacket.Packet) (session.DeviceID, []byte, bool) {
	udpLayer := p.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return "", nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return "", nil, false
	}
	if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
		return "", nil, false
	}

	var srcIP net.IP
	switch nl := p.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP = nl.SrcIP
	case *layers.IPv6:
		srcIP = nl.SrcIP
	default:
		return "", nil, false
	}
	addr := net.JoinHostPort(srcIP.String(), strconv.Itoa(int(udp.SrcPort)))
	if d, ok := cfg.Devices[addr]; ok {
		return d, udp.Payload, true
	}
	if cfg.Strict {
		log.Debug().Str("from", addr).Msg("capture.unmapped source skipped")
		return "", nil, false
	}
	return session.DeviceID(addr), udp.Payload, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
