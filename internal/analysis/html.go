package analysis

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// AssetsHost serves the echarts JavaScript for rendered reports.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// maxHeatmapCells bounds the heatmap grid in HTML reports.
const maxHeatmapCells = 64

// WriteHTML renders r as a standalone page with motion, spectrum and
// heatmap charts.
func WriteHTML(w io.Writer, r *Report) error {
	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.PageTitle = "Motion analysis"
	page.AddCharts(motionChart(r), spectrumChart(r), heatmapChart(r))
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

func motionChart(r *Report) *charts.Line {
	x := make([]string, len(r.Motion))
	orig := make([]opts.LineData, len(r.Motion))
	for i, v := range r.Motion {
		x[i] = fmt.Sprintf("%.2f", float64(i+1)/r.FrameRate)
		orig[i] = opts.LineData{Value: v}
	}
	proc := make([]opts.LineData, len(r.ProcessedMotion))
	for i, v := range r.ProcessedMotion {
		proc[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Motion over time",
			Subtitle: fmt.Sprintf("%s, %s, peak %.2f Hz, gain %.2fx", r.Intensity, r.DominantMotion, r.PeakFrequency, r.Gain),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Motion"}),
	)
	line.SetXAxis(x).
		AddSeries("original", orig).
		AddSeries("amplified", proc).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
	return line
}

func spectrumChart(r *Report) *charts.Bar {
	x := make([]string, len(r.Spectrum))
	y := make([]opts.BarData, len(r.Spectrum))
	for i, v := range r.Spectrum {
		x[i] = fmt.Sprintf("%.1f", float64(i)/float64(len(r.Spectrum))*r.SpectrumMaxFreq)
		y[i] = opts.BarData{Value: v}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Spectrum", Subtitle: fmt.Sprintf("%d bins to %.1f Hz", len(r.Spectrum), r.SpectrumMaxFreq)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Hz"}),
	)
	bar.SetXAxis(x).AddSeries("magnitude", y)
	return bar
}

func heatmapChart(r *Report) *charts.HeatMap {
	cols, rows, cells := downsample(r.Heatmap, r.HeatmapWidth, r.HeatmapHeight, maxHeatmapCells)
	x := make([]string, cols)
	for i := range x {
		x[i] = fmt.Sprint(i)
	}
	y := make([]string, rows)
	for i := range y {
		y[i] = fmt.Sprint(i)
	}
	data := make([]opts.HeatMapData, 0, len(cells))
	for i, v := range cells {
		data = append(data, opts.HeatMapData{Value: [3]interface{}{i % cols, i / cols, v}})
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "600px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Motion heatmap", Subtitle: fmt.Sprintf("%dx%d source, %dx%d cells", r.HeatmapWidth, r.HeatmapHeight, cols, rows)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: x}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: y}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			InRange:    &opts.VisualMapInRange{Color: []string{"#0000ff", "#ff0000"}},
		}),
	)
	hm.SetXAxis(x).AddSeries("motion", data)
	return hm
}

// downsample averages a w x h grid into at most limit x limit cells.
func downsample(grid []float64, w, h, limit int) (cols, rows int, out []float64) {
	if w <= 0 || h <= 0 || len(grid) < w*h {
		return 0, 0, nil
	}
	cols, rows = min(w, limit), min(h, limit)
	out = make([]float64, cols*rows)
	counts := make([]int, cols*rows)
	for y := 0; y < h; y++ {
		cy := y * rows / h
		for x := 0; x < w; x++ {
			c := cy*cols + x*cols/w
			out[c] += grid[y*w+x]
			counts[c]++
		}
	}
	for i := range out {
		if counts[i] > 0 {
			out[i] /= float64(counts[i])
		}
	}
	return cols, rows, out
}
