package serialmux

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

// MockGatewayConfig controls the synthetic gateway.
type MockGatewayConfig struct {
	// Interval between packets. The real gateway sends one every 40 ms.
	Interval time.Duration
	// BPM is the simulated heart rate.
	BPM float64
	// NoiseMV is the peak amplitude of uniform noise added to each sample.
	NoiseMV float64
	// AutoStart begins streaming without waiting for START_STREAM.
	AutoStart bool
	// Seed makes the noise reproducible.
	Seed int64
	// ADC converts the synthetic millivolts to sample codes.
	ADC packet.ADC
	// Clock drives the packet ticker. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultMockGatewayConfig returns a 72 bpm gateway that waits for
// START_STREAM.
func DefaultMockGatewayConfig() MockGatewayConfig {
	return MockGatewayConfig{
		Interval: packet.SamplesPerPacket * packet.SampleIntervalMS * time.Millisecond,
		BPM:      72,
		NoiseMV:  0.02,
		ADC:      packet.DefaultADC(),
		Clock:    timeutil.RealClock{},
	}
}

// MockGatewayPort implements SerialPorter by emitting encoded packets while
// streaming is enabled. Writes are parsed as gateway commands.
type MockGatewayPort struct {
	cfg MockGatewayConfig
	pr  *io.PipeReader
	pw  *io.PipeWriter

	mu        sync.Mutex
	streaming bool
	closed    bool
	commands  []string
	pending   []byte

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewMockGatewayPort starts the packet generator and returns the port.
func NewMockGatewayPort(cfg MockGatewayConfig) *MockGatewayPort {
	def := DefaultMockGatewayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BPM <= 0 {
		cfg.BPM = def.BPM
	}
	if cfg.ADC.Max == 0 {
		cfg.ADC = def.ADC
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	pr, pw := io.Pipe()
	m := &MockGatewayPort{
		cfg:       cfg,
		pr:        pr,
		pw:        pw,
		streaming: cfg.AutoStart,
		stop:      make(chan struct{}),
	}
	ticker := cfg.Clock.NewTicker(cfg.Interval)
	m.wg.Add(1)
	go m.generate(ticker)
	return m
}

func (m *MockGatewayPort) generate(ticker timeutil.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(m.cfg.Seed))
	period := 60 / m.cfg.BPM
	var (
		id     uint8
		tsMS   uint32
		sample int64
	)
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C():
		}
		if !m.Streaming() {
			continue
		}
		p := packet.Packet{ID: id, TimestampMS: tsMS}
		for i := range p.Samples {
			t := float64(sample) * packet.SampleIntervalMS / 1000
			mV := ECGWaveform(math.Mod(t, period)/period) + (rng.Float64()*2-1)*m.cfg.NoiseMV
			p.Samples[i] = m.cfg.ADC.FloatToADC(mV)
			sample++
		}
		if _, err := m.pw.Write(packet.Encode(p)); err != nil {
			return
		}
		id++
		tsMS += packet.SamplesPerPacket * packet.SampleIntervalMS
	}
}

// ECGWaveform returns a PQRST template in millivolts at phase in [0, 1) of
// one beat. The R wave peaks at phase 0.4.
func ECGWaveform(phase float64) float64 {
	wave := func(centre, width, amp float64) float64 {
		d := (phase - centre) / width
		return amp * math.Exp(-d*d/2)
	}
	return wave(0.22, 0.025, 0.12) + // P
		wave(0.38, 0.008, -0.15) + // Q
		wave(0.40, 0.010, 1.2) + // R
		wave(0.42, 0.008, -0.25) + // S
		wave(0.65, 0.045, 0.3) // T
}

func (m *MockGatewayPort) Read(p []byte) (int, error) {
	return m.pr.Read(p)
}

// Write parses newline terminated commands. START_STREAM and STOP_STREAM
// toggle packet generation; anything else is recorded and ignored.
func (m *MockGatewayPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.pending = append(m.pending, p...)
	for {
		i := bytes.IndexByte(m.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(m.pending[:i]))
		m.pending = m.pending[i+1:]
		cmd, known := ParseCommand(line)
		m.commands = append(m.commands, cmd)
		switch {
		case cmd == CommandStartStream:
			m.streaming = true
		case cmd == CommandStopStream:
			m.streaming = false
		case !known:
			monitoring.Logf("mock gateway: ignoring unknown command %q", line)
		}
	}
	return len(p), nil
}

// Close stops the generator and unblocks readers.
func (m *MockGatewayPort) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	m.pw.Close()
	m.pr.Close()
	m.wg.Wait()
	return nil
}

// Streaming reports whether packets are being generated.
func (m *MockGatewayPort) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Commands returns the commands received so far.
func (m *MockGatewayPort) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// NewMockSerialMux creates a SerialMux backed by a synthetic gateway.
func NewMockSerialMux(cfg MockGatewayConfig) *SerialMux[*MockGatewayPort] {
	return NewSerialMux(NewMockGatewayPort(cfg))
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes and errors.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested.
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// EOFWhenEmpty makes Read return io.EOF once the buffer is drained
	// instead of blocking.
	EOFWhenEmpty bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing. Reads
// block until data is added or the port is closed.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

var errPortClosed = errors.New("serial port closed")

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for !t.Closed && t.ReadBuffer.Len() == 0 {
		if t.EOFWhenEmpty {
			return 0, io.EOF
		}
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err := t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.WriteBuffer.Bytes())
}
