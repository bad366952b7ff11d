// Package report compares and renders heartbeat detections offline.
package report

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pulse.report/internal/beat"
)

// DefaultTolerance is the largest index difference, in samples, at which a
// detected peak still counts as the reference peak.
const DefaultTolerance = 5

// Match pairs a reference peak with the detected peak assigned to it.
type Match struct {
	Reference    int64   `json:"reference"`
	Detected     int64   `json:"detected"`
	Offset       int64   `json:"offset"`
	ReferenceBPM float64 `json:"reference_bpm"`
	DetectedBPM  float64 `json:"detected_bpm"`
}

// Validation is the outcome of comparing detected peaks with a reference.
type Validation struct {
	Tolerance int64   `json:"tolerance"`
	Matches   []Match `json:"matches"`
	Missed    []int64 `json:"missed"`
	Extra     []int64 `json:"extra"`
	// Sensitivity is matched / reference peaks.
	Sensitivity float64 `json:"sensitivity"`
	// Precision is matched / detected peaks.
	Precision float64 `json:"precision"`
	// MeanAbsOffset is the mean absolute index offset of the matches.
	MeanAbsOffset float64 `json:"mean_abs_offset"`
	// BPMRMSE is the root mean square error of instantaneous BPM over
	// matches where both sides have a rate.
	BPMRMSE float64 `json:"bpm_rmse"`
}

// Passed reports whether every reference peak was found and nothing extra
// was detected.
func (v Validation) Passed() bool {
	return len(v.Missed) == 0 && len(v.Extra) == 0
}

// InstantaneousBPM returns the rate at each peak relative to the previous
// one. The first entry is zero.
func InstantaneousBPM(peaks []int64, sampleRate int) []float64 {
	out := make([]float64, len(peaks))
	for i := 1; i < len(peaks); i++ {
		out[i] = beat.BPM(peaks[i-1], peaks[i], sampleRate)
	}
	return out
}

// Validate matches each reference peak to the nearest unused detected peak
// within tolerance samples. Both inputs are sorted copies; the arguments are
// not modified. A negative tolerance uses DefaultTolerance.
func Validate(detected, reference []int64, tolerance int64, sampleRate int) Validation {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	det := sortedCopy(detected)
	ref := sortedCopy(reference)
	detBPM := InstantaneousBPM(det, sampleRate)
	refBPM := InstantaneousBPM(ref, sampleRate)

	v := Validation{Tolerance: tolerance}
	used := make([]bool, len(det))
	j := 0
	for ri, r := range ref {
		// Skip detections that are too early for this or any later reference.
		for j < len(det) && det[j] < r-tolerance {
			j++
		}
		best := -1
		for k := j; k < len(det) && det[k] <= r+tolerance; k++ {
			if used[k] {
				continue
			}
			if best < 0 || abs64(det[k]-r) < abs64(det[best]-r) {
				best = k
			}
		}
		if best < 0 {
			v.Missed = append(v.Missed, r)
			continue
		}
		used[best] = true
		v.Matches = append(v.Matches, Match{
			Reference:    r,
			Detected:     det[best],
			Offset:       det[best] - r,
			ReferenceBPM: refBPM[ri],
			DetectedBPM:  detBPM[best],
		})
	}
	for k, d := range det {
		if !used[k] {
			v.Extra = append(v.Extra, d)
		}
	}

	if len(ref) > 0 {
		v.Sensitivity = float64(len(v.Matches)) / float64(len(ref))
	}
	if len(det) > 0 {
		v.Precision = float64(len(v.Matches)) / float64(len(det))
	}

	offsets := make([]float64, 0, len(v.Matches))
	var sqErr []float64
	for _, m := range v.Matches {
		offsets = append(offsets, math.Abs(float64(m.Offset)))
		if m.ReferenceBPM > 0 && m.DetectedBPM > 0 {
			d := m.DetectedBPM - m.ReferenceBPM
			sqErr = append(sqErr, d*d)
		}
	}
	if len(offsets) > 0 {
		v.MeanAbsOffset = stat.Mean(offsets, nil)
	}
	if len(sqErr) > 0 {
		v.BPMRMSE = math.Sqrt(stat.Mean(sqErr, nil))
	}
	return v
}

func sortedCopy(in []int64) []int64 {
	out := append([]int64(nil), in...)
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
