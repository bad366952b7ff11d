package packet

// Stats counts what a Framer has done with its input since creation.
type Stats struct {
	// Packets is the number of packets emitted.
	Packets uint64 `json:"packets"`
	// Corrupt is the number of candidates discarded for a bad end marker.
	Corrupt uint64 `json:"corrupt"`
	// SkippedBytes counts single bytes dropped while searching for a header.
	SkippedBytes uint64 `json:"skipped_bytes"`
	// ResyncBytes counts bytes dropped after a corrupt candidate.
	ResyncBytes uint64 `json:"resync_bytes"`
}

// Corruption describes one discarded candidate packet.
type Corruption struct {
	// CandidateID is the id byte the corrupt candidate carried.
	CandidateID uint8
	// EndByte is the byte found where the end marker was expected.
	EndByte byte
	// ResyncBytes is how many further bytes were dropped to realign.
	ResyncBytes int
}

// Option configures a Framer.
type Option func(*Framer)

// WithCorruptionHandler registers fn to be called, synchronously, each time a
// candidate packet is discarded. Corruption is otherwise silent.
func WithCorruptionHandler(fn func(Corruption)) Option {
	return func(f *Framer) {
		f.onCorrupt = fn
	}
}

// WithInitialCapacity preallocates the internal buffer.
func WithInitialCapacity(n int) Option {
	return func(f *Framer) {
		if n > 0 {
			f.buf = make([]byte, 0, n)
		}
	}
}

// Framer recovers packets from an append-only byte stream. It is a single
// writer state machine and must not be used from more than one goroutine.
type Framer struct {
	buf       []byte
	head      int
	stats     Stats
	onCorrupt func(Corruption)
}

// NewFramer returns an empty Framer.
func NewFramer(opts ...Option) *Framer {
	f := &Framer{}
	for _, opt := range opts {
		opt(f)
	}
	if f.buf == nil {
		f.buf = make([]byte, 0, 4*Size)
	}
	return f
}

// Append adds data to the tail of the buffer. The framer keeps no reference to
// data after returning.
func (f *Framer) Append(data []byte) {
	if f.head > 0 && f.head >= len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.head:])
		f.buf = f.buf[:n]
		f.head = 0
	}
	f.buf = append(f.buf, data...)
}

// Buffered returns the number of bytes waiting to be framed.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.head
}

// Stats returns a copy of the framer counters.
func (f *Framer) Stats() Stats {
	return f.stats
}

// Next attempts to extract one packet from the head of the buffer. It reports
// false when no packet was produced; the caller should keep calling Next until
// it reports false to drain everything that is available.
//
// A call that reports false has consumed at least one byte unless fewer than
// Size bytes were buffered, in which case the buffer is left untouched.
func (f *Framer) Next() (Packet, bool) {
	pending := f.buf[f.head:]
	if len(pending) < Size {
		return Packet{}, false
	}

	if pending[0] != Header1 || pending[1] != Header2 {
		f.discard(1)
		f.stats.SkippedBytes++
		return Packet{}, false
	}

	candidate := pending[:Size]
	if candidate[offsetEnd] != EndMarker {
		event := Corruption{
			CandidateID: candidate[offsetID],
			EndByte:     candidate[offsetEnd],
		}
		f.discard(Size)
		event.ResyncBytes = f.resync()
		f.stats.Corrupt++
		f.stats.ResyncBytes += uint64(event.ResyncBytes)
		if f.onCorrupt != nil {
			f.onCorrupt(event)
		}
		return Packet{}, false
	}

	p := decodeFields(candidate)
	f.discard(Size)
	f.stats.Packets++
	return p, true
}

// Drain calls Next until it stops yielding packets and returns them in order.
// It stops once fewer than Size bytes remain.
func (f *Framer) Drain() []Packet {
	var out []Packet
	for f.Buffered() >= Size {
		if p, ok := f.Next(); ok {
			out = append(out, p)
		}
	}
	return out
}

// resync drops bytes until the head holds a header pair or fewer than two
// bytes remain. It returns the number of bytes dropped.
func (f *Framer) resync() int {
	dropped := 0
	for {
		pending := f.buf[f.head:]
		if len(pending) < 2 || (pending[0] == Header1 && pending[1] == Header2) {
			return dropped
		}
		f.discard(1)
		dropped++
	}
}

func (f *Framer) discard(n int) {
	f.head += n
	if f.head >= len(f.buf) {
		f.buf = f.buf[:0]
		f.head = 0
	}
}
