package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/pulse.report/internal/packet"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

const (
	SamplesFile  = "samples.csv"
	BeatsFile    = "beats.csv"
	MetadataFile = "run_metadata.json"
)

var (
	SamplesHeader = []string{"time", "packet_id", "sample_index", "value"}
	BeatsHeader   = []string{"r_peak_index", "value", "instantaneous_bpm", "time", "packet_id"}
)

// RunMetadata is written next to the CSV files when a run stops.
type RunMetadata struct {
	SessionID string    `json:"session_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	StopTime  time.Time `json:"stop_time"`
	Samples   Metadata  `json:"samples"`
	Beats     Metadata  `json:"beats"`
}

// Options configures a Recorder.
type Options struct {
	// WriteInterval is the batch cadence; zero uses DefaultWriteInterval.
	WriteInterval time.Duration
	// Clock drives the batch ticker. Nil uses the real clock.
	Clock timeutil.Clock
	// SessionID is copied into the run metadata.
	SessionID string
}

// Recorder is a pipeline sink that logs raw samples and beats to two CSV
// files in one run directory.
type Recorder struct {
	dir   string
	opts  Options
	start time.Time

	samples *Writer
	beats   *Writer
	next    int64
}

var _ pipeline.Sink = (*Recorder)(nil)

// New creates dir if needed and starts both writers.
func New(dir string, opts Options) (*Recorder, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	samples, err := NewWriter(filepath.Join(dir, SamplesFile), SamplesHeader, opts.WriteInterval, opts.Clock)
	if err != nil {
		return nil, err
	}
	beats, err := NewWriter(filepath.Join(dir, BeatsFile), BeatsHeader, opts.WriteInterval, opts.Clock)
	if err != nil {
		samples.Stop()
		return nil, err
	}
	return &Recorder{
		dir:     dir,
		opts:    opts,
		start:   opts.Clock.Now(),
		samples: samples,
		beats:   beats,
	}, nil
}

// Dir returns the run directory.
func (r *Recorder) Dir() string {
	return r.dir
}

func (r *Recorder) RecordPacket(_ context.Context, p packet.Packet) error {
	times := p.SampleTimes()
	id := strconv.Itoa(int(p.ID))
	for i, v := range p.Samples {
		r.samples.Log(
			formatFloat(times[i]),
			id,
			strconv.FormatInt(r.next, 10),
			strconv.Itoa(int(v)),
		)
		r.next++
	}
	return nil
}

func (r *Recorder) RecordBeat(_ context.Context, b pipeline.Beat) error {
	r.beats.Log(
		strconv.FormatInt(b.Index, 10),
		formatFloat(b.Value),
		formatFloat(b.BPM),
		formatFloat(b.Time),
		strconv.Itoa(int(b.PacketID)),
	)
	return nil
}

// Close flushes both files and writes the run metadata.
func (r *Recorder) Close() error {
	err := errors.Join(r.samples.Stop(), r.beats.Stop())
	meta := RunMetadata{
		SessionID: r.opts.SessionID,
		StartTime: r.start,
		StopTime:  r.opts.Clock.Now(),
		Samples:   r.samples.Metadata(),
		Beats:     r.beats.Metadata(),
	}
	if werr := writeJSON(filepath.Join(r.dir, MetadataFile), meta); werr != nil {
		err = errors.Join(err, fmt.Errorf("write run metadata: %w", werr))
	}
	return err
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
