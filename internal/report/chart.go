package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// BPMSeries is one named sequence of instantaneous rates keyed by peak index.
type BPMSeries struct {
	Name  string
	Peaks []int64
	BPM   []float64
}

// NewBPMSeries computes instantaneous rates for peaks. The first peak has no
// rate and is left out of the series.
func NewBPMSeries(name string, peaks []int64, sampleRate int) BPMSeries {
	s := BPMSeries{Name: name}
	bpm := InstantaneousBPM(peaks, sampleRate)
	for i := 1; i < len(peaks); i++ {
		s.Peaks = append(s.Peaks, peaks[i])
		s.BPM = append(s.BPM, bpm[i])
	}
	return s
}

// ChartOptions controls the HTML chart.
type ChartOptions struct {
	Title    string
	Subtitle string
	// AssetsHost overrides where the echarts script is loaded from.
	AssetsHost string
}

// BPMChart builds a line chart with one line per series, x being the peak
// sample index.
func BPMChart(o ChartOptions, series ...BPMSeries) *charts.Line {
	line := charts.NewLine()
	init := opts.Initialization{PageTitle: "Heart rate", Width: "100%", Height: "600px"}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}
	title := o.Title
	if title == "" {
		title = "Instantaneous BPM"
	}
	line.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: o.Subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "R-peak index", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "BPM", NameLocation: "middle", NameGap: 40}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	for _, s := range series {
		n := min(len(s.Peaks), len(s.BPM))
		data := make([]opts.LineData, 0, n)
		for i := 0; i < n; i++ {
			data = append(data, opts.LineData{Value: []interface{}{s.Peaks[i], s.BPM[i]}})
		}
		line.AddSeries(s.Name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))
	}
	return line
}

// WriteBPMChart renders the chart as a standalone HTML page.
func WriteBPMChart(w io.Writer, o ChartOptions, series ...BPMSeries) error {
	for _, s := range series {
		if len(s.Peaks) != len(s.BPM) {
			return fmt.Errorf("series %q: %d peaks but %d rates", s.Name, len(s.Peaks), len(s.BPM))
		}
	}
	return BPMChart(o, series...).Render(w)
}
