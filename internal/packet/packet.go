// Package packet decodes the fixed-size sample packets streamed by the ECG
// gateway and recovers them from an unreliable byte stream.
package packet

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire layout constants. The layout is shared with deployed gateways and must
// not change.
const (
	Header1   byte = 0xAA
	Header2   byte = 0x55
	EndMarker byte = 0xFF

	// Size is the length in bytes of one packet on the wire.
	Size = 28
	// SamplesPerPacket is the number of digital samples carried per packet.
	SamplesPerPacket = 10
	// SampleIntervalMS is the sender's sample spacing (250 Hz).
	SampleIntervalMS = 4

	offsetID        = 2
	offsetTimestamp = 3
	offsetSamples   = 7
	offsetEnd       = Size - 1
)

// sampleTimePrecision is the number of decimals kept in derived sample times.
const sampleTimePrecision = 4

// Packet is one decoded gateway packet. Values are immutable once decoded.
type Packet struct {
	// ID is the sender's 8-bit counter. It wraps modulo 256.
	ID uint8
	// TimestampMS is the sender clock at the first sample, in milliseconds.
	TimestampMS uint32
	// Samples holds the raw digital samples in arrival order.
	Samples [SamplesPerPacket]uint16
}

// SampleTimes returns the sender time of each sample in seconds, rounded to
// four decimals.
func (p Packet) SampleTimes() [SamplesPerPacket]float64 {
	var times [SamplesPerPacket]float64
	scale := math.Pow10(sampleTimePrecision)
	for i := range times {
		ms := float64(p.TimestampMS) + float64(i*SampleIntervalMS)
		times[i] = math.Round(ms/1000.0*scale) / scale
	}
	return times
}

// SampleTime returns the sender time in seconds of sample i.
func (p Packet) SampleTime(i int) float64 {
	return p.SampleTimes()[i]
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet(ID=%d, timestamp=%d, samples=%d)", p.ID, p.TimestampMS, len(p.Samples))
}

// Decode parses exactly one packet from b. It validates the header and the end
// marker but performs no resynchronisation; use a Framer for stream input.
func Decode(b []byte) (Packet, error) {
	if len(b) != Size {
		return Packet{}, fmt.Errorf("packet must be %d bytes, got %d", Size, len(b))
	}
	if b[0] != Header1 || b[1] != Header2 {
		return Packet{}, fmt.Errorf("bad header 0x%02X%02X", b[0], b[1])
	}
	if b[offsetEnd] != EndMarker {
		return Packet{}, fmt.Errorf("bad end marker 0x%02X", b[offsetEnd])
	}
	return decodeFields(b), nil
}

func decodeFields(b []byte) Packet {
	p := Packet{
		ID:          b[offsetID],
		TimestampMS: binary.LittleEndian.Uint32(b[offsetTimestamp:]),
	}
	for i := range p.Samples {
		p.Samples[i] = binary.LittleEndian.Uint16(b[offsetSamples+2*i:])
	}
	return p
}

// Encode returns the wire form of p.
func Encode(p Packet) []byte {
	return AppendEncoded(make([]byte, 0, Size), p)
}

// AppendEncoded appends the wire form of p to dst.
func AppendEncoded(dst []byte, p Packet) []byte {
	var buf [Size]byte
	buf[0] = Header1
	buf[1] = Header2
	buf[offsetID] = p.ID
	binary.LittleEndian.PutUint32(buf[offsetTimestamp:], p.TimestampMS)
	for i, s := range p.Samples {
		binary.LittleEndian.PutUint16(buf[offsetSamples+2*i:], s)
	}
	buf[offsetEnd] = EndMarker
	return append(dst, buf[:]...)
}
