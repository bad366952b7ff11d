package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/gateway"
	"github.com/banshee-data/pulse.report/internal/serialmux"
)

// chunkBuffer is the number of raw chunks queued ahead of the pipeline.
const chunkBuffer = 64

// source is where the raw byte stream comes from. Serial, mock and disabled
// sources deliver through the mux; UDP and pcap sources run a producer and
// keep a disabled mux for the command and admin endpoints.
type source struct {
	name    string
	mux     serialmux.SerialMuxInterface
	produce func(ctx context.Context, out chan<- []byte) error
	out     chan []byte
}

func openSource(cfg *config.Config) (*source, error) {
	src := &source{name: cfg.GetSource()}
	switch src.name {
	case config.SourceSerial:
		m, err := serialmux.NewRealSerialMux(cfg.GetSerialPort(), cfg.PortOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to open gateway port: %w", err)
		}
		log.Printf("reading gateway on %s (%s)", cfg.GetSerialPort(), cfg.PortOptions())
		src.mux = m

	case config.SourceMock:
		mc := serialmux.DefaultMockGatewayConfig()
		mc.BPM = cfg.GetMockBPM()
		mc.NoiseMV = cfg.GetMockNoiseMV()
		mc.Interval = cfg.GetMockInterval()
		log.Printf("using mock gateway at %.0f bpm", mc.BPM)
		src.mux = serialmux.NewMockSerialMux(mc)

	case config.SourceUDP:
		l := gateway.NewUDPListener(gateway.UDPListenerConfig{
			Address: cfg.GetUDPAddress(),
			RcvBuf:  cfg.GetUDPRcvBuf(),
		})
		if err := l.Listen(); err != nil {
			return nil, err
		}
		src.mux = serialmux.NewDisabledSerialMux()
		src.produce = l.Serve

	case config.SourcePCAP:
		path := cfg.GetPCAPFile()
		replay := gateway.ReplayConfig{Port: cfg.GetPCAPPort(), Realtime: true, SpeedMultiplier: 1}
		src.mux = serialmux.NewDisabledSerialMux()
		src.produce = func(ctx context.Context, out chan<- []byte) error {
			_, err := gateway.ReplayPCAPFile(ctx, path, replay, out)
			return err
		}

	case config.SourceNone:
		src.mux = serialmux.NewDisabledSerialMux()

	default:
		return nil, fmt.Errorf("unknown source %q", src.name)
	}
	return src, nil
}

// start returns the ordered chunk stream. It must be called before run.
func (s *source) start(ctx context.Context) (<-chan []byte, error) {
	if s.produce == nil {
		_, ch := s.mux.SubscribeOrdered(chunkBuffer)
		return ch, nil
	}
	if s.out != nil {
		return nil, errors.New("source already started")
	}
	s.out = make(chan []byte, chunkBuffer)
	return s.out, nil
}

// run drives the source until ctx is cancelled or the stream ends.
func (s *source) run(ctx context.Context) {
	if s.produce == nil {
		if err := s.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		return
	}
	defer close(s.out)
	if err := s.produce(ctx, s.out); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("%s source stopped: %v", s.name, err)
	}
}
