// Package pipeline turns the gateway byte stream into heartbeats. It owns one
// Framer and one Detector for the life of a streaming session and feeds them
// strictly in arrival order from a single goroutine.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/beat"
	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

const (
	// packetHistory is the number of recent packets kept to time-stamp peaks
	// that are confirmed a few packets after their apex.
	packetHistory = 64
	defaultRecent = 32
)

// Beat is one confirmed heartbeat.
type Beat struct {
	// Index is the sample index of the R peak since the session started.
	Index int64 `json:"index"`
	// Value is the raw sample value at the peak.
	Value float64 `json:"value"`
	// Energy is the largest derivative energy during the excursion.
	Energy float64 `json:"energy"`
	// Time is the sender time of the peak sample in seconds.
	Time float64 `json:"time"`
	// PacketID is the id of the packet that carried the peak sample.
	PacketID uint8 `json:"packet_id"`
	// BPM is the instantaneous rate from the previous beat, zero for the
	// first beat of a session.
	BPM float64 `json:"bpm"`
	// DetectedAt is the local time at which the beat was confirmed.
	DetectedAt time.Time `json:"detected_at"`
}

// packetRef records where a packet's samples landed in the sample index.
type packetRef struct {
	seq   int64
	id    uint8
	times [packet.SamplesPerPacket]float64
	valid bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink sets the output sink. Use MultiSink for more than one.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithStats shares a counters instance, for example with the HTTP API.
func WithStats(s *monitoring.StreamStats) Option {
	return func(p *Pipeline) { p.stats = s }
}

// WithClock sets the clock used for DetectedAt and the stats ticker.
func WithClock(c timeutil.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithStatsInterval makes Run log stream counters every d. Zero disables it.
func WithStatsInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.statsInterval = d }
}

// WithRecentBeats sets how many beats Status keeps.
func WithRecentBeats(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.recentCap = n
		}
	}
}

// Pipeline is the streaming orchestrator. Feed and Run must be called from a
// single goroutine; Status may be called from any goroutine.
type Pipeline struct {
	framer   *packet.Framer
	detector *beat.Detector
	sink     Sink
	stats    *monitoring.StreamStats
	clock    timeutil.Clock

	statsInterval time.Duration

	packets   [packetHistory]packetRef
	seq       int64
	lastID    uint8
	haveID    bool
	lastPeak  int64
	havePeak  bool
	recentCap int

	mu     sync.Mutex
	recent []Beat
	status Status
}

// Status is a snapshot of the pipeline for reporting.
type Status struct {
	Stream      monitoring.Snapshot `json:"stream"`
	Framer      packet.Stats        `json:"framer"`
	SampleRate  int                 `json:"sample_rate"`
	SampleCount int64               `json:"sample_count"`
	Calibrated  bool                `json:"calibrated"`
	Threshold   float64             `json:"threshold"`
	InPeak      bool                `json:"in_peak"`
	RecentBeats []Beat              `json:"recent_beats"`
}

// New builds a pipeline. The detector configuration is validated here so a
// bad configuration fails at startup.
func New(cfg beat.Config, opts ...Option) (*Pipeline, error) {
	det, err := beat.NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		detector:  det,
		sink:      MultiSink(nil),
		clock:     timeutil.RealClock{},
		recentCap: defaultRecent,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.stats == nil {
		p.stats = monitoring.NewStreamStats()
	}
	p.framer = packet.NewFramer(packet.WithCorruptionHandler(p.onCorrupt))
	return p, nil
}

func (p *Pipeline) onCorrupt(c packet.Corruption) {
	p.stats.AddCorrupt(c.ResyncBytes)
	monitoring.Logf("pipeline: discarded packet id=%d end=0x%02x, resynced over %d bytes", c.CandidateID, c.EndByte, c.ResyncBytes)
}

// Feed processes one chunk of the byte stream and returns the beats it
// confirmed, in order.
func (p *Pipeline) Feed(ctx context.Context, chunk []byte) []Beat {
	p.stats.AddChunk(len(chunk))
	p.framer.Append(chunk)

	var beats []Beat
	for _, pkt := range p.framer.Drain() {
		beats = append(beats, p.handlePacket(ctx, pkt)...)
	}
	p.stats.SetSkippedBytes(p.framer.Stats().SkippedBytes)
	p.stats.SetCalibrated(p.detector.Calibrated())
	p.publish(beats)
	return beats
}

func (p *Pipeline) handlePacket(ctx context.Context, pkt packet.Packet) []Beat {
	p.stats.AddPacket()
	p.checkID(pkt.ID)

	if err := p.sink.RecordPacket(ctx, pkt); err != nil {
		monitoring.Logf("pipeline: record packet %d: %v", pkt.ID, err)
	}

	p.packets[p.seq%packetHistory] = packetRef{seq: p.seq, id: pkt.ID, times: pkt.SampleTimes(), valid: true}
	p.seq++

	var beats []Beat
	for _, s := range pkt.Samples {
		peak, ok := p.detector.ProcessSample(float64(s))
		if !ok {
			continue
		}
		b := p.makeBeat(peak)
		if err := p.sink.RecordBeat(ctx, b); err != nil {
			monitoring.Logf("pipeline: record beat at %d: %v", b.Index, err)
		}
		p.stats.AddBeat(b.BPM)
		beats = append(beats, b)
	}
	p.stats.AddSamples(packet.SamplesPerPacket)
	return beats
}

// checkID compares the packet counter with the previous one. Ids wrap modulo
// 256, so a gap of 256 or more packets is invisible.
func (p *Pipeline) checkID(id uint8) {
	if p.haveID {
		switch gap := id - (p.lastID + 1); {
		case id == p.lastID:
			p.stats.AddDuplicate()
		case gap != 0:
			p.stats.AddMissing(int(gap))
		}
	}
	p.lastID, p.haveID = id, true
}

func (p *Pipeline) makeBeat(peak beat.Peak) Beat {
	b := Beat{
		Index:      peak.Index,
		Value:      peak.Value,
		Energy:     peak.Energy,
		DetectedAt: p.clock.Now(),
	}
	b.Time, b.PacketID = p.locate(peak.Index)
	if p.havePeak {
		b.BPM = beat.BPM(p.lastPeak, peak.Index, p.detector.Config().SampleRate)
	}
	p.lastPeak, p.havePeak = peak.Index, true
	return b
}

// locate maps a sample index to the sender time and id of its packet. Peaks
// older than the packet history are extrapolated from the newest packet.
func (p *Pipeline) locate(index int64) (float64, uint8) {
	seq := index / packet.SamplesPerPacket
	offset := index % packet.SamplesPerPacket
	if ref := p.packets[seq%packetHistory]; ref.valid && ref.seq == seq {
		return ref.times[offset], ref.id
	}
	// Sample times step by exactly 4 ms, so stepping back from the newest
	// packet's rounded first time is exact to that rounding.
	newest := p.packets[(p.seq-1)%packetHistory]
	back := p.seq - 1 - seq
	t := newest.times[0] - float64(back*packet.SamplesPerPacket-offset)*packet.SampleIntervalMS/1000
	return t, newest.id - uint8(back)
}

func (p *Pipeline) publish(beats []Beat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = append(p.recent, beats...)
	if over := len(p.recent) - p.recentCap; over > 0 {
		p.recent = append(p.recent[:0], p.recent[over:]...)
	}
	p.status = Status{
		Framer:      p.framer.Stats(),
		SampleRate:  p.detector.Config().SampleRate,
		SampleCount: p.detector.SampleCount(),
		Calibrated:  p.detector.Calibrated(),
		Threshold:   p.detector.Threshold(),
		InPeak:      p.detector.InPeak(),
	}
}

// Status returns a snapshot that is safe to use from any goroutine.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := p.status
	st.RecentBeats = append([]Beat(nil), p.recent...)
	p.mu.Unlock()
	st.Stream = p.stats.Snapshot()
	return st
}

// Stats returns the shared stream counters.
func (p *Pipeline) Stats() *monitoring.StreamStats {
	return p.stats
}

// DetectedPeaks returns every peak index confirmed so far. It must be called
// from the pipeline goroutine or after Run has returned.
func (p *Pipeline) DetectedPeaks() []int64 {
	return p.detector.DetectedPeaks()
}

// Run consumes chunks until the channel closes or ctx is cancelled. Chunks
// must arrive in stream order from a single producer.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan []byte) error {
	var tick <-chan time.Time
	if p.statsInterval > 0 {
		ticker := p.clock.NewTicker(p.statsInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			p.stats.LogStats()
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			p.Feed(ctx, chunk)
		}
	}
}
