package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	signalColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	detectedColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	referenceColor = color.RGBA{R: 44, G: 160, B: 44, A: 255}
)

// SignalPlot describes a PNG of a run: the raw signal with detected and,
// optionally, reference peaks marked on it.
type SignalPlot struct {
	Title     string
	Samples   []float64
	Detected  []int64
	Reference []int64
	// Start and End select a window of sample indices. End of zero plots to
	// the last sample.
	Start, End int
	Width      vg.Length
	Height     vg.Length
}

func (s SignalPlot) window() (int, int) {
	start, end := s.Start, s.End
	if end <= 0 || end > len(s.Samples) {
		end = len(s.Samples)
	}
	if start < 0 {
		start = 0
	}
	if start > end {
		start = end
	}
	return start, end
}

// Plot builds the gonum plot.
func (s SignalPlot) Plot() (*plot.Plot, error) {
	start, end := s.window()
	if end-start < 2 {
		return nil, fmt.Errorf("need at least two samples to plot, got %d", end-start)
	}

	p := plot.New()
	p.Title.Text = s.Title
	p.X.Label.Text = "Sample index"
	p.Y.Label.Text = "ADC value"

	pts := make(plotter.XYs, 0, end-start)
	for i := start; i < end; i++ {
		pts = append(pts, plotter.XY{X: float64(i), Y: s.Samples[i]})
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = signalColor
	line.Width = vg.Points(0.75)
	p.Add(line)
	p.Legend.Add("ECG signal", line)

	if err := s.addPeaks(p, s.Reference, "Reference peaks", referenceColor, draw.CircleGlyph{}, start, end); err != nil {
		return nil, err
	}
	if err := s.addPeaks(p, s.Detected, "Detected peaks", detectedColor, draw.CrossGlyph{}, start, end); err != nil {
		return nil, err
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func (s SignalPlot) addPeaks(p *plot.Plot, peaks []int64, label string, c color.Color, glyph draw.GlyphDrawer, start, end int) error {
	var pts plotter.XYs
	for _, idx := range peaks {
		if idx < int64(start) || idx >= int64(end) {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(idx), Y: s.Samples[idx]})
	}
	if len(pts) == 0 {
		return nil
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = c
	sc.GlyphStyle.Shape = glyph
	sc.GlyphStyle.Radius = vg.Points(4)
	p.Add(sc)
	p.Legend.Add(label, sc)
	return nil
}

func (s SignalPlot) size() (vg.Length, vg.Length) {
	w, h := s.Width, s.Height
	if w <= 0 {
		w = 14 * vg.Inch
	}
	if h <= 0 {
		h = 6 * vg.Inch
	}
	return w, h
}

// Save writes the plot to path; the format follows the extension.
func (s SignalPlot) Save(path string) error {
	p, err := s.Plot()
	if err != nil {
		return err
	}
	w, h := s.size()
	return p.Save(w, h, path)
}

// WritePNG writes the plot as PNG to w.
func (s SignalPlot) WritePNG(w io.Writer) error {
	p, err := s.Plot()
	if err != nil {
		return err
	}
	width, height := s.size()
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
