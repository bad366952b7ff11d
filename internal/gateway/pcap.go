package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/pulse.report/internal/monitoring"
)

// ReplayConfig configures capture replay.
type ReplayConfig struct {
	// Port keeps only UDP datagrams sent to this port. Zero keeps all.
	Port int
	// Realtime paces delivery by the capture timestamps.
	Realtime bool
	// SpeedMultiplier scales realtime pacing (2.0 is twice as fast).
	SpeedMultiplier float64
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Frames   int `json:"frames"`
	Payloads int `json:"payloads"`
	Bytes    int `json:"bytes"`
}

// ReplayPCAP reads a pcap stream and sends the UDP payloads that match cfg to
// out in capture order.
func ReplayPCAP(ctx context.Context, r io.Reader, cfg ReplayConfig, out chan<- []byte) (ReplayStats, error) {
	var stats ReplayStats
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1
	}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to read pcap header: %w", err)
	}

	var first, firstWall time.Time
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("PCAP replay complete: %d frames, %d payloads, %d bytes", stats.Frames, stats.Payloads, stats.Bytes)
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("pcap frame %d: %w", stats.Frames+1, err)
		}
		stats.Frames++

		pkt := gopacket.NewPacket(data, reader.LinkType(), gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if cfg.Port != 0 && int(udp.DstPort) != cfg.Port {
			continue
		}

		if cfg.Realtime {
			if first.IsZero() {
				first, firstWall = ci.Timestamp, time.Now()
			}
			due := firstWall.Add(time.Duration(float64(ci.Timestamp.Sub(first)) / cfg.SpeedMultiplier))
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return stats, ctx.Err()
				}
			}
		}

		payload := append([]byte(nil), udp.Payload...)
		select {
		case out <- payload:
		case <-ctx.Done():
			return stats, ctx.Err()
		}
		stats.Payloads++
		stats.Bytes += len(payload)
	}
}

// ReplayPCAPFile opens path and replays it with ReplayPCAP.
func ReplayPCAPFile(ctx context.Context, path string, cfg ReplayConfig, out chan<- []byte) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()
	return ReplayPCAP(ctx, f, cfg, out)
}

// PCAPWriter records chunks as UDP datagrams in a pcap stream so that a live
// session can be replayed later.
type PCAPWriter struct {
	w       *pcapgo.Writer
	src     net.IP
	dst     net.IP
	srcPort layers.UDPPort
	dstPort layers.UDPPort
	ipID    uint16
}

// NewPCAPWriter writes the file header and returns a writer whose datagrams
// go from the gateway address to dstPort on localhost.
func NewPCAPWriter(w io.Writer, dstPort int) (*PCAPWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &PCAPWriter{
		w:       pw,
		src:     net.IPv4(192, 168, 4, 1),
		dst:     net.IPv4(127, 0, 0, 1),
		srcPort: layers.UDPPort(dstPort),
		dstPort: layers.UDPPort(dstPort),
	}, nil
}

// WriteDatagram appends one UDP datagram carrying payload.
func (p *PCAPWriter) WriteDatagram(ts time.Time, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	p.ipID++
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       p.ipID,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.src,
		DstIP:    p.dst,
	}
	udp := &layers.UDP{SrcPort: p.srcPort, DstPort: p.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	data := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return p.w.WritePacket(ci, data)
}
