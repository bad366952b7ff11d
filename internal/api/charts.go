package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/banshee-data/pulse.report/internal/httputil"
	"github.com/banshee-data/pulse.report/internal/pipeline"
	"github.com/banshee-data/pulse.report/internal/report"
)

// defaultPlotSeconds is the trailing window plotted when no range is given.
const defaultPlotSeconds = 30

// sessionBeats loads the beats a chart should show along with the session id
// (empty for live beats) and its sample rate.
func (s *Server) sessionBeats(ctx context.Context, r *http.Request) (string, int, []pipeline.Beat, error) {
	if s.db == nil {
		return "", s.sampleRate, s.pipeline.Status().RecentBeats, nil
	}
	id, err := s.resolveSession(ctx, r)
	if err != nil {
		return "", 0, nil, err
	}
	sess, err := s.db.Session(ctx, id)
	if err != nil {
		return "", 0, nil, err
	}
	beats, err := s.db.SessionBeats(ctx, id)
	if err != nil {
		return "", 0, nil, err
	}
	return id, sess.SampleRate, beats, nil
}

func beatIndices(beats []pipeline.Beat) []int64 {
	peaks := make([]int64, len(beats))
	for i, b := range beats {
		peaks[i] = b.Index
	}
	return peaks
}

func (s *Server) bpmChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	id, rate, beats, err := s.sessionBeats(r.Context(), r)
	if err != nil {
		s.writeDBError(w, err)
		return
	}

	opts := report.ChartOptions{Title: "Instantaneous BPM", Subtitle: "live"}
	if id != "" {
		opts.Subtitle = "session " + id
	}
	var buf bytes.Buffer
	if err := report.WriteBPMChart(&buf, opts, report.NewBPMSeries("detected", beatIndices(beats), rate)); err != nil {
		httputil.InternalServerError(w, "failed to render chart", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) signalPlot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "persistence is disabled")
		return
	}
	start, err := httputil.QueryInt(r, "start", -1)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	end, err := httputil.QueryInt(r, "end", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	id, rate, beats, err := s.sessionBeats(ctx, r)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	samples, err := s.db.SessionSamples(ctx, id)
	if err != nil {
		s.writeDBError(w, err)
		return
	}
	if len(samples) == 0 {
		httputil.NotFound(w, "session has no samples")
		return
	}

	signal := make([]float64, samples[len(samples)-1].Index+1)
	for _, smp := range samples {
		signal[smp.Index] = float64(smp.Value)
	}
	if start < 0 {
		start = max(0, len(signal)-defaultPlotSeconds*rate)
	}
	plot := report.SignalPlot{
		Title:    fmt.Sprintf("Session %s", id),
		Samples:  signal,
		Detected: beatIndices(beats),
		Start:    start,
		End:      end,
	}
	var buf bytes.Buffer
	if err := plot.WritePNG(&buf); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
