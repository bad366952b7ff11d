// Package testutil provides shared test utilities and fixtures.
//
// The helpers build deterministic byte streams and synthetic ECG-like signals
// so that framing and detection tests across packages share one vocabulary.
package testutil

import (
	"math"
	"math/rand"
	"testing"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// Chunk splits data into consecutive pieces whose lengths cycle through sizes.
// A non-positive size is treated as 1. The pieces alias data.
func Chunk(data []byte, sizes ...int) [][]byte {
	if len(sizes) == 0 {
		sizes = []int{len(data)}
	}
	var out [][]byte
	for i := 0; len(data) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n <= 0 {
			n = 1
		}
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// RandomChunk splits data into pieces of random length in [1, max] using a
// seeded source so failures reproduce.
func RandomChunk(data []byte, max int, seed int64) [][]byte {
	if max < 1 {
		max = 1
	}
	rng := rand.New(rand.NewSource(seed))
	var out [][]byte
	for len(data) > 0 {
		n := 1 + rng.Intn(max)
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// ImpulseTrain returns n samples at baseline with a single-sample spike of
// height amplitude every period samples, starting at index first. It also
// returns the spike indices.
func ImpulseTrain(n, first, period int, baseline, amplitude uint16) ([]uint16, []int) {
	samples := make([]uint16, n)
	for i := range samples {
		samples[i] = baseline
	}
	var spikes []int
	if period <= 0 {
		return samples, spikes
	}
	for i := first; i >= 0 && i < n; i += period {
		samples[i] = amplitude
		spikes = append(spikes, i)
	}
	return samples, spikes
}

// SyntheticECG returns n samples of a crude ECG-like waveform at fs Hz and the
// given heart rate: a narrow triangular R wave on top of a slow baseline wobble
// with small deterministic noise. R-peak indices are returned alongside.
func SyntheticECG(n int, fs, bpm float64, seed int64) ([]uint16, []int) {
	rng := rand.New(rand.NewSource(seed))
	period := int(math.Round(fs * 60 / bpm))
	samples := make([]uint16, n)
	var peaks []int
	const (
		baseline = 2048.0
		rHeight  = 900.0
		rHalf    = 3
	)
	for i := range samples {
		v := baseline + 20*math.Sin(2*math.Pi*0.3*float64(i)/fs) + rng.Float64()*4 - 2
		if period > 0 {
			phase := i % period
			offset := period / 2
			if d := phase - offset; d >= -rHalf && d <= rHalf {
				v += rHeight * (1 - math.Abs(float64(d))/float64(rHalf+1))
			}
			if phase == offset {
				peaks = append(peaks, i)
			}
		}
		samples[i] = uint16(math.Max(0, math.Min(4095, math.Round(v))))
	}
	return samples, peaks
}
