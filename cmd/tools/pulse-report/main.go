// Package main renders reports for recorded ECG sessions: a PNG of the raw
// signal with R-peaks marked, an HTML chart of instantaneous heart rate and,
// when reference annotations are given, a validation summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/pulse.report/internal/beat"
	"github.com/banshee-data/pulse.report/internal/config"
	"github.com/banshee-data/pulse.report/internal/db"
	"github.com/banshee-data/pulse.report/internal/recorder"
	"github.com/banshee-data/pulse.report/internal/report"
	"github.com/banshee-data/pulse.report/internal/security"
	"github.com/banshee-data/pulse.report/internal/version"
)

// Config holds the command line options.
type Config struct {
	DBPath     string
	SessionID  string
	CSVDir     string
	Reference  string
	ConfigFile string
	OutputDir  string
	Tolerance  int64
	SampleRate int
	Redetect   bool
	Start      int
	End        int
}

// Run is a loaded recording.
type Run struct {
	Name       string
	SampleRate int
	Samples    []float64
	Peaks      []int64
}

// Summary is written as <name>_validation.json and printed to stdout.
type Summary struct {
	Name       string             `json:"name"`
	SampleRate int                `json:"sample_rate"`
	Samples    int                `json:"samples"`
	Peaks      int                `json:"peaks"`
	Redetected bool               `json:"redetected"`
	Validation *report.Validation `json:"validation,omitempty"`
	Files      []string           `json:"files"`
}

func main() {
	cfg := parseFlags()

	if err := run(context.Background(), cfg, os.Stdout); err != nil {
		log.Fatalf("pulse-report: %v", err)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.DBPath, "db", "", "SQLite database to read the session from")
	flag.StringVar(&cfg.SessionID, "session", "", "Session id (latest when empty)")
	flag.StringVar(&cfg.CSVDir, "csv", "", "CSV run directory to read instead of a database")
	flag.StringVar(&cfg.Reference, "reference", "", "CSV of annotated R-peak indices to validate against")
	flag.StringVar(&cfg.ConfigFile, "config", "", "JSON config with detector settings for -redetect")
	flag.StringVar(&cfg.OutputDir, "output", ".", "Output directory")
	flag.Int64Var(&cfg.Tolerance, "tolerance", report.DefaultTolerance, "Match tolerance in samples")
	flag.IntVar(&cfg.SampleRate, "fs", 250, "Sample rate for CSV runs")
	flag.BoolVar(&cfg.Redetect, "redetect", false, "Run the detector over the stored samples instead of using stored peaks")
	flag.IntVar(&cfg.Start, "start", 0, "First sample index to plot")
	flag.IntVar(&cfg.End, "end", 0, "Sample index to stop plotting at (0 plots to the end)")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("pulse-report"))
		os.Exit(0)
	}
	return cfg
}

func run(ctx context.Context, cfg Config, stdout io.Writer) error {
	var (
		r   *Run
		err error
	)
	switch {
	case cfg.DBPath != "" && cfg.CSVDir != "":
		return errors.New("use either -db or -csv, not both")
	case cfg.DBPath != "":
		r, err = loadFromDB(ctx, cfg.DBPath, cfg.SessionID)
	case cfg.CSVDir != "":
		r, err = loadFromCSV(cfg.CSVDir, cfg.SampleRate)
	default:
		return errors.New("one of -db or -csv is required")
	}
	if err != nil {
		return err
	}

	if cfg.Redetect {
		bc, err := detectorConfig(cfg.ConfigFile, r.SampleRate)
		if err != nil {
			return err
		}
		if r.Peaks, err = redetect(r.Samples, bc); err != nil {
			return err
		}
	}

	var reference []int64
	if cfg.Reference != "" {
		rows, err := recorder.ReadBeats(cfg.Reference)
		if err != nil {
			return fmt.Errorf("failed to read reference: %w", err)
		}
		for _, row := range rows {
			reference = append(reference, row.Index)
		}
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	summary, err := writeReport(r, reference, cfg)
	if err != nil {
		return err
	}
	printSummary(stdout, summary)
	return nil
}

func loadFromDB(ctx context.Context, path, sessionID string) (*Run, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	database, err := db.OpenDB(path)
	if err != nil {
		return nil, err
	}
	defer database.Close()

	var sess *db.Session
	if sessionID == "" {
		sess, err = database.LatestSession(ctx)
	} else {
		sess, err = database.Session(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	samples, err := database.SessionSamples(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	beats, err := database.SessionBeats(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	r := &Run{Name: sess.ID, SampleRate: sess.SampleRate}
	if n := len(samples); n > 0 {
		r.Samples = make([]float64, samples[n-1].Index+1)
	}
	for _, s := range samples {
		r.Samples[s.Index] = float64(s.Value)
	}
	for _, b := range beats {
		r.Peaks = append(r.Peaks, b.Index)
	}
	return r, nil
}

func loadFromCSV(dir string, sampleRate int) (*Run, error) {
	samples, err := recorder.ReadSamples(filepath.Join(dir, recorder.SamplesFile))
	if err != nil {
		return nil, err
	}
	r := &Run{Name: filepath.Base(filepath.Clean(dir)), SampleRate: sampleRate}
	if n := len(samples); n > 0 {
		r.Samples = make([]float64, samples[n-1].Index+1)
	}
	for _, s := range samples {
		if s.Index < 0 || s.Index >= int64(len(r.Samples)) {
			return nil, fmt.Errorf("sample index %d out of order", s.Index)
		}
		r.Samples[s.Index] = float64(s.Value)
	}

	beats, err := recorder.ReadBeats(filepath.Join(dir, recorder.BeatsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, b := range beats {
		r.Peaks = append(r.Peaks, b.Index)
	}
	return r, nil
}

// detectorConfig returns the detector settings from path, or the defaults,
// with the sample rate of the recording.
func detectorConfig(path string, sampleRate int) (beat.Config, error) {
	cfg := config.EmptyConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return beat.Config{}, err
		}
	}
	bc := cfg.BeatConfig()
	if sampleRate > 0 {
		bc.SampleRate = sampleRate
	}
	return bc, bc.Validate()
}

func redetect(samples []float64, cfg beat.Config) ([]int64, error) {
	d, err := beat.NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	for _, v := range samples {
		d.ProcessSample(v)
	}
	return d.DetectedPeaks(), nil
}

// outputPath joins name onto dir and refuses anything that would land
// outside dir.
func outputPath(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}

func writeReport(r *Run, reference []int64, cfg Config) (Summary, error) {
	base := security.SanitizeFilename(r.Name)
	summary := Summary{
		Name:       r.Name,
		SampleRate: r.SampleRate,
		Samples:    len(r.Samples),
		Peaks:      len(r.Peaks),
		Redetected: cfg.Redetect,
	}

	if len(r.Samples) >= 2 {
		pngPath, err := outputPath(cfg.OutputDir, base+"_signal.png")
		if err != nil {
			return summary, err
		}
		sp := report.SignalPlot{
			Title:     "Session " + r.Name,
			Samples:   r.Samples,
			Detected:  r.Peaks,
			Reference: reference,
			Start:     cfg.Start,
			End:       cfg.End,
		}
		if err := sp.Save(pngPath); err != nil {
			return summary, fmt.Errorf("failed to save plot: %w", err)
		}
		summary.Files = append(summary.Files, pngPath)
	}

	htmlPath, err := outputPath(cfg.OutputDir, base+"_bpm.html")
	if err != nil {
		return summary, err
	}
	series := []report.BPMSeries{report.NewBPMSeries("detected", r.Peaks, r.SampleRate)}
	if len(reference) > 0 {
		series = append(series, report.NewBPMSeries("reference", reference, r.SampleRate))
	}
	if err := writeFile(htmlPath, func(w io.Writer) error {
		return report.WriteBPMChart(w, report.ChartOptions{Subtitle: "session " + r.Name}, series...)
	}); err != nil {
		return summary, fmt.Errorf("failed to write chart: %w", err)
	}
	summary.Files = append(summary.Files, htmlPath)

	if len(reference) > 0 {
		v := report.Validate(r.Peaks, reference, cfg.Tolerance, r.SampleRate)
		summary.Validation = &v
	}

	jsonPath, err := outputPath(cfg.OutputDir, base+"_validation.json")
	if err != nil {
		return summary, err
	}
	summary.Files = append(summary.Files, jsonPath)
	if err := writeFile(jsonPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}); err != nil {
		return summary, fmt.Errorf("failed to write summary: %w", err)
	}
	return summary, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "Session:     %s\n", s.Name)
	fmt.Fprintf(w, "Samples:     %d at %d Hz (%.1f s)\n", s.Samples, s.SampleRate, float64(s.Samples)/float64(max(s.SampleRate, 1)))
	fmt.Fprintf(w, "R-peaks:     %d", s.Peaks)
	if s.Redetected {
		fmt.Fprint(w, " (re-detected)")
	}
	fmt.Fprintln(w)

	if v := s.Validation; v != nil {
		fmt.Fprintf(w, "Tolerance:   %d samples\n", v.Tolerance)
		fmt.Fprintf(w, "Matched:     %d\n", len(v.Matches))
		fmt.Fprintf(w, "Missed:      %d\n", len(v.Missed))
		fmt.Fprintf(w, "Extra:       %d\n", len(v.Extra))
		fmt.Fprintf(w, "Sensitivity: %.3f\n", v.Sensitivity)
		fmt.Fprintf(w, "Precision:   %.3f\n", v.Precision)
		fmt.Fprintf(w, "BPM RMSE:    %.2f\n", v.BPMRMSE)
		result := "PASS"
		if !v.Passed() {
			result = "FAIL"
		}
		fmt.Fprintf(w, "Result:      %s\n", result)
	}
	fmt.Fprintf(w, "Wrote:       %s\n", strings.Join(s.Files, ", "))
}
