package serialmux

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

func newMockGateway(t *testing.T, autoStart bool) (*MockGatewayPort, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := DefaultMockGatewayConfig()
	cfg.Clock = clock
	cfg.AutoStart = autoStart
	cfg.Seed = 1
	m := NewMockGatewayPort(cfg)
	t.Cleanup(func() { m.Close() })
	return m, clock
}

// readPackets advances the clock one interval at a time and frames whatever
// the port emits until n packets are recovered.
func readPackets(t *testing.T, m *MockGatewayPort, clock *timeutil.MockClock, n int) []packet.Packet {
	t.Helper()
	chunks := make(chan []byte, 64)
	go func() {
		defer close(chunks)
		buf := make([]byte, 256)
		for {
			k, err := m.Read(buf)
			if k > 0 {
				c := make([]byte, k)
				copy(c, buf[:k])
				chunks <- c
			}
			if err != nil {
				return
			}
		}
	}()

	f := packet.NewFramer()
	var out []packet.Packet
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		clock.Advance(40 * time.Millisecond)
		select {
		case c := <-chunks:
			f.Append(c)
			out = append(out, f.Drain()...)
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("received %d of %d packets", len(out), n)
		}
	}
	return out
}

func TestMockGatewayPort_EmitsSequentialPackets(t *testing.T) {
	m, clock := newMockGateway(t, true)
	pkts := readPackets(t, m, clock, 5)

	for i, p := range pkts {
		if p.ID != uint8(i) {
			t.Errorf("packet %d has id %d", i, p.ID)
		}
		if p.TimestampMS != uint32(40*i) {
			t.Errorf("packet %d has timestamp %d", i, p.TimestampMS)
		}
		for _, s := range p.Samples {
			if s > 4095 {
				t.Errorf("sample %d outside 12-bit range", s)
			}
		}
	}
}

func TestMockGatewayPort_Commands(t *testing.T) {
	m, _ := newMockGateway(t, false)
	if m.Streaming() {
		t.Fatal("gateway should wait for START_STREAM")
	}

	// Commands may arrive split across writes.
	m.Write([]byte("START_"))
	if m.Streaming() {
		t.Fatal("partial command should not start streaming")
	}
	m.Write([]byte("STREAM\nbogus\n"))
	if !m.Streaming() {
		t.Fatal("START_STREAM should start streaming")
	}
	m.Write([]byte("stop_stream\n"))
	if m.Streaming() {
		t.Fatal("STOP_STREAM should stop streaming")
	}

	got := m.Commands()
	want := []string{CommandStartStream, "BOGUS", CommandStopStream}
	if len(got) != len(want) {
		t.Fatalf("Commands() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Commands()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMockGatewayPort_CloseUnblocksReader(t *testing.T) {
	m, _ := newMockGateway(t, true)
	done := make(chan error, 1)
	go func() {
		_, err := m.Read(make([]byte, 8))
		done <- err
	}()
	m.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Read after Close should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
	if _, err := m.Write([]byte("START_STREAM\n")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestNewMockSerialMux_StartStreaming(t *testing.T) {
	mux := NewMockSerialMux(MockGatewayConfig{Interval: 5 * time.Millisecond})
	defer mux.Close()
	_, ch := mux.SubscribeOrdered(16)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mux.Monitor(ctx)

	if err := mux.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}

	f := packet.NewFramer()
	for f.Stats().Packets < 3 {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatal("stream closed early")
			}
			f.Append(c)
			f.Drain()
		case <-ctx.Done():
			t.Fatal("no packets from mock gateway")
		}
	}
}

func TestECGWaveform_RPeakDominates(t *testing.T) {
	r := ECGWaveform(0.40)
	for phase := 0.0; phase < 1; phase += 0.01 {
		if math.Abs(phase-0.40) < 0.005 {
			continue
		}
		if v := ECGWaveform(phase); v >= r {
			t.Errorf("waveform at %.2f (%.3f mV) reaches the R peak (%.3f mV)", phase, v, r)
		}
	}
}
