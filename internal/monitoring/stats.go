package monitoring

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// StreamStats accumulates ingest counters. The pipeline goroutine writes and
// any goroutine may read a Snapshot.
type StreamStats struct {
	bytes      atomic.Uint64
	chunks     atomic.Uint64
	packets    atomic.Uint64
	corrupt    atomic.Uint64
	skipped    atomic.Uint64
	resync     atomic.Uint64
	missing    atomic.Uint64
	duplicates atomic.Uint64
	samples    atomic.Uint64
	beats      atomic.Uint64
	lastBPM    atomic.Uint64 // float64 bits
	calibrated atomic.Bool

	mu       sync.Mutex
	started  time.Time
	lastLog  time.Time
	lastSnap Snapshot
}

// Snapshot is a point-in-time copy of StreamStats.
type Snapshot struct {
	Timestamp        time.Time `json:"timestamp"`
	Bytes            uint64    `json:"bytes"`
	Chunks           uint64    `json:"chunks"`
	Packets          uint64    `json:"packets"`
	CorruptPackets   uint64    `json:"corrupt_packets"`
	SkippedBytes     uint64    `json:"skipped_bytes"`
	ResyncBytes      uint64    `json:"resync_bytes"`
	MissingPackets   uint64    `json:"missing_packets"`
	DuplicatePackets uint64    `json:"duplicate_packets"`
	Samples          uint64    `json:"samples"`
	Beats            uint64    `json:"beats"`
	LastBPM          float64   `json:"last_bpm"`
	Calibrated       bool      `json:"calibrated"`
}

// NewStreamStats returns zeroed counters.
func NewStreamStats() *StreamStats {
	now := time.Now()
	return &StreamStats{started: now, lastLog: now}
}

func (s *StreamStats) AddChunk(n int) {
	s.chunks.Add(1)
	s.bytes.Add(uint64(n))
}

func (s *StreamStats) AddPacket()           { s.packets.Add(1) }
func (s *StreamStats) AddSamples(n int)     { s.samples.Add(uint64(n)) }
func (s *StreamStats) AddMissing(n int)     { s.missing.Add(uint64(n)) }
func (s *StreamStats) AddDuplicate()        { s.duplicates.Add(1) }
func (s *StreamStats) SetCalibrated(b bool) { s.calibrated.Store(b) }

// AddCorrupt records one discarded candidate and the bytes dropped to realign.
func (s *StreamStats) AddCorrupt(resyncBytes int) {
	s.corrupt.Add(1)
	s.resync.Add(uint64(resyncBytes))
}

// SetSkippedBytes records the framer's running count of alignment skips.
func (s *StreamStats) SetSkippedBytes(n uint64) { s.skipped.Store(n) }

// AddBeat records a confirmed beat and, when known, its instantaneous rate.
func (s *StreamStats) AddBeat(bpm float64) {
	s.beats.Add(1)
	if bpm > 0 {
		s.lastBPM.Store(math.Float64bits(bpm))
	}
}

// Snapshot returns the current counter values.
func (s *StreamStats) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:        time.Now(),
		Bytes:            s.bytes.Load(),
		Chunks:           s.chunks.Load(),
		Packets:          s.packets.Load(),
		CorruptPackets:   s.corrupt.Load(),
		SkippedBytes:     s.skipped.Load(),
		ResyncBytes:      s.resync.Load(),
		MissingPackets:   s.missing.Load(),
		DuplicatePackets: s.duplicates.Load(),
		Samples:          s.samples.Load(),
		Beats:            s.beats.Load(),
		LastBPM:          math.Float64frombits(s.lastBPM.Load()),
		Calibrated:       s.calibrated.Load(),
	}
}

// LogStats writes a one-line summary with rates since the previous call.
func (s *StreamStats) LogStats() {
	snap := s.Snapshot()

	s.mu.Lock()
	elapsed := snap.Timestamp.Sub(s.lastLog).Seconds()
	prev := s.lastSnap
	s.lastLog = snap.Timestamp
	s.lastSnap = snap
	s.mu.Unlock()

	if elapsed <= 0 {
		elapsed = 1
	}
	Logf("stream: %.1f packets/s, %.0f B/s, corrupt=%d missing=%d dup=%d beats=%d bpm=%.1f calibrated=%t",
		float64(snap.Packets-prev.Packets)/elapsed,
		float64(snap.Bytes-prev.Bytes)/elapsed,
		snap.CorruptPackets, snap.MissingPackets, snap.DuplicatePackets,
		snap.Beats, snap.LastBPM, snap.Calibrated,
	)
}

// Uptime returns the time since the counters were created.
func (s *StreamStats) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.started)
}
