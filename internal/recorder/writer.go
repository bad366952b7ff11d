// Package recorder writes a session's samples and beats to CSV files in the
// background.
package recorder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/pulse.report/internal/monitoring"
	"github.com/banshee-data/pulse.report/internal/timeutil"
)

// DefaultWriteInterval is how often queued rows are appended to disk.
const DefaultWriteInterval = time.Second

// Metadata summarises one CSV file after it is closed.
type Metadata struct {
	CSVFile        string    `json:"csv_file"`
	StartTime      time.Time `json:"start_time"`
	StopTime       time.Time `json:"stop_time"`
	SamplesWritten int       `json:"samples_written"`
}

// Writer queues rows and appends them to a CSV file in batches. Log never
// touches the file; a worker goroutine drains the queue every interval and
// once more on Stop.
type Writer struct {
	path  string
	clock timeutil.Clock

	mu      sync.Mutex
	queue   [][]string
	written int
	start   time.Time
	stopped time.Time
	err     error

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWriter creates path with the header row and starts the worker. The file
// is truncated if it exists.
func NewWriter(path string, header []string, interval time.Duration, clock timeutil.Clock) (*Writer, error) {
	if interval <= 0 {
		interval = DefaultWriteInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	w := &Writer{
		path:  path,
		clock: clock,
		start: clock.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	ticker := clock.NewTicker(interval)
	go w.run(ticker)
	return w, nil
}

// Log queues one row. It is safe for concurrent use and never blocks on I/O.
func (w *Writer) Log(row ...string) {
	w.mu.Lock()
	w.queue = append(w.queue, row)
	w.mu.Unlock()
}

func (w *Writer) run(ticker timeutil.Ticker) {
	defer close(w.done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			w.flush(false)
		case <-w.stop:
			w.flush(true)
			return
		}
	}
}

func (w *Writer) flush(final bool) {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()

	var err error
	if len(batch) > 0 {
		if err = appendRows(w.path, batch); err != nil {
			monitoring.Logf("recorder: %s: %v", w.path, err)
		}
	}

	w.mu.Lock()
	if err != nil {
		if w.err == nil {
			w.err = err
		}
	} else {
		w.written += len(batch)
	}
	total := w.written
	if final {
		w.stopped = w.clock.Now()
	}
	w.mu.Unlock()

	switch {
	case final:
		monitoring.Logf("recorder: %s closed, %d rows written", w.path, total)
	case len(batch) > 0 && err == nil:
		monitoring.Logf("recorder: wrote %d rows to %s (total %d)", len(batch), w.path, total)
	}
}

func appendRows(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Stop writes whatever is still queued and waits for the worker to exit. It
// returns the first write error seen. Calling Stop again is a no-op.
func (w *Writer) Stop() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Written returns the number of rows on disk, excluding the header.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Metadata returns the file summary. StopTime is zero until Stop returns.
func (w *Writer) Metadata() Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Metadata{
		CSVFile:        w.path,
		StartTime:      w.start,
		StopTime:       w.stopped,
		SamplesWritten: w.written,
	}
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}
