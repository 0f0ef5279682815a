package analysis

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	originalColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	processedColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WritePlot saves a PNG (or any extension gonum/plot supports) of the
// smoothed motion over time for both sequences.
func WritePlot(path string, r *Report) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Motion over time - %s, %s (peak %.2f Hz)", r.Intensity, r.DominantMotion, r.PeakFrequency)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Mean RGB distance (normalised)"
	p.Legend.Top = true

	series := []struct {
		name  string
		data  []float64
		color color.Color
	}{
		{"original", r.Motion, originalColor},
		{fmt.Sprintf("amplified (gain %.2fx)", r.Gain), r.ProcessedMotion, processedColor},
	}
	for _, s := range series {
		if len(s.data) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(s.data))
		for i, v := range s.data {
			pts[i] = plotter.XY{X: float64(i+1) / r.FrameRate, Y: v}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Add(plotter.NewGrid())

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot %s: %w", path, err)
	}
	return nil
}

// WriteSpectrumPlot saves the cosine spectrum of the original motion.
func WriteSpectrumPlot(path string, r *Report) error {
	p := plot.New()
	p.Title.Text = "Motion spectrum"
	p.X.Label.Text = "Frequency (Hz)"
	p.Y.Label.Text = "Magnitude"

	pts := make(plotter.XYs, len(r.Spectrum))
	for i, v := range r.Spectrum {
		pts[i] = plotter.XY{X: float64(i) / float64(len(r.Spectrum)) * r.SpectrumMaxFreq, Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = originalColor
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving plot %s: %w", path, err)
	}
	return nil
}
