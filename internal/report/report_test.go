package report

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pulse.report/internal/beat"
	"github.com/banshee-data/pulse.report/internal/testutil"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		detected  []int64
		reference []int64
		tol       int64
		matches   []Match
		missed    []int64
		extra     []int64
	}{
		{
			name:      "exact",
			detected:  []int64{100, 350, 600},
			reference: []int64{100, 350, 600},
			tol:       5,
			matches: []Match{
				{Reference: 100, Detected: 100},
				{Reference: 350, Detected: 350, ReferenceBPM: 60, DetectedBPM: 60},
				{Reference: 600, Detected: 600, ReferenceBPM: 60, DetectedBPM: 60},
			},
		},
		{
			name:      "within tolerance",
			detected:  []int64{103, 345},
			reference: []int64{100, 350},
			tol:       5,
			matches: []Match{
				{Reference: 100, Detected: 103, Offset: 3},
				{Reference: 350, Detected: 345, Offset: -5, ReferenceBPM: 60, DetectedBPM: 15000.0 / 242},
			},
		},
		{
			name:      "missed and extra",
			detected:  []int64{100, 200, 360},
			reference: []int64{100, 350},
			tol:       5,
			matches:   []Match{{Reference: 100, Detected: 100}},
			missed:    []int64{350},
			extra:     []int64{200, 360},
		},
		{
			name:      "one detection cannot match two references",
			detected:  []int64{102},
			reference: []int64{100, 104},
			tol:       5,
			matches:   []Match{{Reference: 100, Detected: 102, Offset: 2}},
			missed:    []int64{104},
		},
		{
			name:      "unsorted input",
			detected:  []int64{600, 100},
			reference: []int64{100, 600},
			tol:       0,
			matches: []Match{
				{Reference: 100, Detected: 100},
				{Reference: 600, Detected: 600, ReferenceBPM: 30, DetectedBPM: 30},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.detected, tt.reference, tt.tol, 250)
			if diff := cmp.Diff(tt.matches, v.Matches, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
				t.Errorf("matches mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.missed, v.Missed)
			assert.Equal(t, tt.extra, v.Extra)
			assert.Equal(t, len(tt.missed) == 0 && len(tt.extra) == 0, v.Passed())
		})
	}
}

func TestValidate_Summary(t *testing.T) {
	v := Validate([]int64{100, 352, 600, 700}, []int64{100, 350, 600}, -1, 250)
	assert.Equal(t, int64(DefaultTolerance), v.Tolerance)
	assert.InDelta(t, 1.0, v.Sensitivity, 1e-12)
	assert.InDelta(t, 0.75, v.Precision, 1e-12)
	assert.InDelta(t, 2.0/3.0, v.MeanAbsOffset, 1e-12)
	assert.Greater(t, v.BPMRMSE, 0.0)
	assert.False(t, v.Passed())

	empty := Validate(nil, nil, 5, 250)
	assert.True(t, empty.Passed())
	assert.Zero(t, empty.Sensitivity)
}

func TestValidate_DoesNotModifyInputs(t *testing.T) {
	det := []int64{300, 100}
	Validate(det, []int64{100}, 5, 250)
	assert.Equal(t, []int64{300, 100}, det)
}

// The streaming detector should reproduce the synthetic R-peaks.
func TestValidate_DetectorAgainstSyntheticTruth(t *testing.T) {
	samples, truth := testutil.SyntheticECG(250*30, 250, 72, 11)
	d, err := beat.NewDetector(beat.DefaultConfig())
	require.NoError(t, err)
	for _, s := range samples {
		d.ProcessSample(float64(s))
	}

	var ref []int64
	settled := beat.DefaultConfig().CalibrationEndIndex()
	for _, r := range truth {
		if int64(r) > settled+60 && r < len(samples)-30 {
			ref = append(ref, int64(r))
		}
	}
	require.NotEmpty(t, ref)
	var det []int64
	for _, p := range d.DetectedPeaks() {
		if p >= ref[0]-DefaultTolerance && p <= ref[len(ref)-1]+DefaultTolerance {
			det = append(det, p)
		}
	}
	v := Validate(det, ref, DefaultTolerance, 250)
	assert.Empty(t, v.Missed)
	assert.Empty(t, v.Extra)
	assert.Less(t, v.BPMRMSE, 5.0)
}

func TestInstantaneousBPM(t *testing.T) {
	assert.InDeltaSlice(t, []float64{0, 75, 60}, InstantaneousBPM([]int64{0, 200, 450}, 250), 1e-9)
	assert.Empty(t, InstantaneousBPM(nil, 250))
}

func TestNewBPMSeries(t *testing.T) {
	s := NewBPMSeries("detected", []int64{0, 200, 450}, 250)
	assert.Equal(t, []int64{200, 450}, s.Peaks)
	assert.InDeltaSlice(t, []float64{75, 60}, s.BPM, 1e-9)
}

func TestWriteBPMChart(t *testing.T) {
	var buf bytes.Buffer
	err := WriteBPMChart(&buf, ChartOptions{Title: "Run 7"},
		NewBPMSeries("detected", []int64{0, 200, 450}, 250),
		NewBPMSeries("reference", []int64{2, 201, 452}, 250),
	)
	require.NoError(t, err)
	html := buf.String()
	assert.True(t, strings.Contains(html, "<html"), "not an HTML page")
	assert.Contains(t, html, "Run 7")
	assert.Contains(t, html, "detected")
	assert.Contains(t, html, "reference")

	err = WriteBPMChart(&buf, ChartOptions{}, BPMSeries{Name: "bad", Peaks: []int64{1}})
	assert.Error(t, err)
}

func TestSignalPlot(t *testing.T) {
	samples, spikes := testutil.ImpulseTrain(1000, 100, 250, 2048, 3000)
	signal := make([]float64, len(samples))
	for i, s := range samples {
		signal[i] = float64(s)
	}
	var peaks []int64
	for _, s := range spikes {
		peaks = append(peaks, int64(s))
	}

	sp := SignalPlot{Title: "impulses", Samples: signal, Detected: peaks, Reference: peaks[:2]}
	var buf bytes.Buffer
	require.NoError(t, sp.WritePNG(&buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)

	path := filepath.Join(t.TempDir(), "run.png")
	sp.Start, sp.End = 50, 400
	require.NoError(t, sp.Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestSignalPlot_TooShort(t *testing.T) {
	_, err := SignalPlot{Samples: []float64{1}}.Plot()
	assert.Error(t, err)

	_, err = SignalPlot{Samples: []float64{1, 2, 3}, Start: 3}.Plot()
	assert.Error(t, err)
}
