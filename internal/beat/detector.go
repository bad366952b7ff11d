// Package beat detects heartbeats (R-peaks) in a live ECG sample stream.
//
// The detector differentiates the raw signal over a short lag, squares it and
// smooths it with a moving average to obtain an energy signal. A threshold is
// calibrated once from the first seconds of energy and then held fixed. Each
// excursion of the energy above the threshold is one beat, located at the
// largest raw sample seen during the excursion.
package beat

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid detector config")

const (
	// rawHistoryMargin is added to the slope spacing to size the raw ring.
	rawHistoryMargin = 5
	// refractorySeconds is the minimum spacing between two confirmed beats.
	refractorySeconds = 0.2
	// calibrationPercentile is the quantile of calibration energy used as
	// the detection threshold.
	calibrationPercentile = 0.9
	// maxHistorySamples bounds every buffer sized from the config.
	maxHistorySamples = 1 << 24
)

// Config holds the detector parameters. All values are fixed for the life of a
// Detector.
type Config struct {
	// SampleRate is the sampling frequency in Hz.
	SampleRate int `json:"sample_rate"`
	// CalibrationSeconds is the length of the warm-up window.
	CalibrationSeconds int `json:"calibration_seconds"`
	// SlopeSpacing is the sample lag used for the derivative.
	SlopeSpacing int `json:"slope_spacing"`
	// MovingAverageWindow is the number of squared derivatives averaged.
	MovingAverageWindow int `json:"moving_average_window"`
	// ThresholdFloor is the smallest threshold the calibration may produce.
	// A flat calibration window would otherwise yield a zero threshold that
	// the energy can never drop below.
	ThresholdFloor float64 `json:"threshold_floor"`
}

// DefaultConfig returns the parameters the gateway firmware was tuned for.
func DefaultConfig() Config {
	return Config{
		SampleRate:          250,
		CalibrationSeconds:  2,
		SlopeSpacing:        4,
		MovingAverageWindow: 15,
		ThresholdFloor:      1e-6,
	}
}

// Validate reports whether c can be used to build a Detector.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidConfig, c.SampleRate)
	case c.CalibrationSeconds <= 0:
		return fmt.Errorf("%w: calibration seconds must be positive, got %d", ErrInvalidConfig, c.CalibrationSeconds)
	case c.SlopeSpacing <= 0:
		return fmt.Errorf("%w: slope spacing must be positive, got %d", ErrInvalidConfig, c.SlopeSpacing)
	case c.MovingAverageWindow <= 0:
		return fmt.Errorf("%w: moving average window must be positive, got %d", ErrInvalidConfig, c.MovingAverageWindow)
	case c.CalibrationSeconds > maxHistorySamples/c.SampleRate:
		return fmt.Errorf("%w: calibration window of %d s at %d Hz exceeds %d samples", ErrInvalidConfig, c.CalibrationSeconds, c.SampleRate, maxHistorySamples)
	case c.SlopeSpacing > maxHistorySamples:
		return fmt.Errorf("%w: slope spacing exceeds %d, got %d", ErrInvalidConfig, maxHistorySamples, c.SlopeSpacing)
	case c.MovingAverageWindow > maxHistorySamples:
		return fmt.Errorf("%w: moving average window exceeds %d, got %d", ErrInvalidConfig, maxHistorySamples, c.MovingAverageWindow)
	case c.ThresholdFloor < 0 || math.IsNaN(c.ThresholdFloor) || math.IsInf(c.ThresholdFloor, 0):
		return fmt.Errorf("%w: threshold floor must be a non-negative number, got %v", ErrInvalidConfig, c.ThresholdFloor)
	}
	return nil
}

// WarmupSamples is the number of energy values collected for calibration.
func (c Config) WarmupSamples() int {
	return c.SampleRate * c.CalibrationSeconds
}

// RefractorySamples is the minimum number of samples between two beats.
func (c Config) RefractorySamples() int {
	return int(math.Round(refractorySeconds * float64(c.SampleRate)))
}

// firstEnergyIndex is the first sample index with a full moving average.
func (c Config) firstEnergyIndex() int64 {
	return int64(c.SlopeSpacing + c.MovingAverageWindow - 1)
}

// CalibrationEndIndex is the sample index at which the threshold is
// committed and detection starts.
func (c Config) CalibrationEndIndex() int64 {
	return int64(c.SlopeSpacing + c.MovingAverageWindow + c.WarmupSamples())
}

// Peak is one confirmed heartbeat.
type Peak struct {
	// Index is the sample index of the raw maximum within the excursion.
	Index int64 `json:"index"`
	// Value is the raw sample value at Index.
	Value float64 `json:"value"`
	// Energy is the largest energy value seen during the excursion.
	Energy float64 `json:"energy"`
	// EnergyIndex is the sample index of Energy.
	EnergyIndex int64 `json:"energy_index"`
}

// peakTracker is the IDLE/IN_PEAK state machine.
type peakTracker struct {
	inPeak               bool
	start                int64
	maxEnergy            float64
	maxEnergyIndex       int64
	maxRaw               float64
	maxRawIndex          int64
	samplesSinceLastPeak int
}

// Detector is an incremental R-peak detector. It is not safe for concurrent
// use; samples must be presented in arrival order from a single goroutine.
type Detector struct {
	cfg        Config
	warmup     int
	refractory int

	sampleCount int64
	rawHistory  []float64
	squared     []float64

	calibration []float64
	calibrated  bool
	threshold   float64
	lastEnergy  float64

	peak  peakTracker
	peaks []int64
}

// NewDetector validates cfg and returns a detector in its warm-up phase.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	refractory := cfg.RefractorySamples()
	return &Detector{
		cfg:         cfg,
		warmup:      cfg.WarmupSamples(),
		refractory:  refractory,
		rawHistory:  make([]float64, cfg.SlopeSpacing+rawHistoryMargin),
		squared:     make([]float64, cfg.MovingAverageWindow),
		calibration: make([]float64, cfg.WarmupSamples()),
		peak:        peakTracker{samplesSinceLastPeak: refractory + 1},
	}, nil
}

// ProcessSample feeds the next sample. It returns the peak confirmed by this
// sample, if any. The sample index is implicit and starts at zero.
func (d *Detector) ProcessSample(value float64) (Peak, bool) {
	n := d.sampleCount
	d.sampleCount++

	d.rawHistory[n%int64(len(d.rawHistory))] = value

	spacing := int64(d.cfg.SlopeSpacing)
	if n < spacing {
		return Peak{}, false
	}
	old := d.rawHistory[(n-spacing)%int64(len(d.rawHistory))]
	diff := value - old
	d.squared[n%int64(len(d.squared))] = diff * diff

	if n < d.cfg.firstEnergyIndex() {
		return Peak{}, false
	}
	var total float64
	for _, v := range d.squared {
		total += v
	}
	energy := total / float64(len(d.squared))
	d.lastEnergy = energy

	if !d.calibrated {
		d.calibrate(n, energy)
		return Peak{}, false
	}
	return d.checkForPeak(n, value, energy)
}

func (d *Detector) calibrate(n int64, energy float64) {
	k := n - d.cfg.firstEnergyIndex()
	if k < int64(d.warmup) {
		d.calibration[k] = energy
	}
	if n < d.cfg.CalibrationEndIndex() {
		return
	}
	sort.Float64s(d.calibration)
	d.threshold = math.Max(percentile(d.calibration, calibrationPercentile), d.cfg.ThresholdFloor)
	d.calibration = nil
	d.calibrated = true
}

// percentile interpolates linearly between the closest ranks of sorted at
// position p*(len-1), the same estimate numpy.percentile gives by default.
func percentile(sorted []float64, p float64) float64 {
	h := p * float64(len(sorted)-1)
	lo := int(h)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

func (d *Detector) checkForPeak(n int64, raw, energy float64) (Peak, bool) {
	p := &d.peak
	p.samplesSinceLastPeak++

	if !p.inPeak {
		if energy > d.threshold && p.samplesSinceLastPeak > d.refractory {
			p.inPeak = true
			p.start = n
			p.maxEnergy, p.maxEnergyIndex = energy, n
			p.maxRaw, p.maxRawIndex = raw, n
		}
		return Peak{}, false
	}

	if energy > p.maxEnergy {
		p.maxEnergy, p.maxEnergyIndex = energy, n
	}
	if energy < d.threshold {
		// The excursion covers [start, n); the raw maximum over that span
		// was tracked as it arrived.
		peak := Peak{
			Index:       p.maxRawIndex,
			Value:       p.maxRaw,
			Energy:      p.maxEnergy,
			EnergyIndex: p.maxEnergyIndex,
		}
		d.peaks = append(d.peaks, peak.Index)
		p.samplesSinceLastPeak = 0
		p.inPeak = false
		return peak, true
	}
	if raw > p.maxRaw {
		p.maxRaw, p.maxRawIndex = raw, n
	}
	return Peak{}, false
}

// SampleCount returns the number of samples processed.
func (d *Detector) SampleCount() int64 {
	return d.sampleCount
}

// Calibrated reports whether the threshold has been committed.
func (d *Detector) Calibrated() bool {
	return d.calibrated
}

// Threshold returns the committed threshold, or zero during warm-up.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Energy returns the most recent energy value.
func (d *Detector) Energy() float64 {
	return d.lastEnergy
}

// InPeak reports whether the energy is currently above threshold.
func (d *Detector) InPeak() bool {
	return d.peak.inPeak
}

// DetectedPeaks returns a copy of the confirmed peak indices in order.
func (d *Detector) DetectedPeaks() []int64 {
	out := make([]int64, len(d.peaks))
	copy(out, d.peaks)
	return out
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// BPM returns the instantaneous heart rate implied by two peak indices at
// sampleRate Hz. It returns zero when b does not follow a.
func BPM(a, b int64, sampleRate int) float64 {
	if b <= a || sampleRate <= 0 {
		return 0
	}
	return 60 / (float64(b-a) / float64(sampleRate))
}
