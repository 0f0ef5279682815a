// Package analysis computes motion statistics over an original frame
// sequence and its amplified counterpart, and renders them as a PNG plot
// or an HTML report.
package analysis

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/motionamp/internal/frame"
)

// DefaultFrameRate is assumed when the caller does not know the rate.
const DefaultFrameRate = 30.0

// Spectrum and heatmap sizing.
const (
	SpectrumBins     = 50
	HeatmapMaxFrames = 10
	sampleStride     = 4 // every 4th pixel
	smoothingWindow  = 3
)

// Intensity classifies the average motion of a sequence.
type Intensity string

const (
	IntensityVeryLow  Intensity = "Very Low"
	IntensityLow      Intensity = "Low"
	IntensityMedium   Intensity = "Medium"
	IntensityHigh     Intensity = "High"
	IntensityVeryHigh Intensity = "Very High"
)

// Pattern describes how motion evolves over the sequence.
type Pattern string

const (
	PatternNone        Pattern = "None"
	PatternIncreasing  Pattern = "Increasing"
	PatternDecreasing  Pattern = "Decreasing"
	PatternOscillatory Pattern = "Oscillatory"
	PatternSteady      Pattern = "Steady"
)

// Statistics summarise the raw frame-to-frame motion series.
type Statistics struct {
	TotalFrames       int     `json:"total_frames"`
	AvgMotion         float64 `json:"avg_motion"`
	MaxMotion         float64 `json:"max_motion"`
	StdDev            float64 `json:"std_dev"`
	Variance          float64 `json:"variance"`
	DominantFrequency float64 `json:"dominant_frequency"`
}

// Report is the result of one analysis.
type Report struct {
	Timestamp        time.Time  `json:"timestamp"`
	FrameRate        float64    `json:"frame_rate"`
	PeakFrequency    float64    `json:"peak_frequency"`
	AverageAmplitude float64    `json:"average_amplitude"`
	Intensity        Intensity  `json:"motion_intensity"`
	DominantMotion   Pattern    `json:"dominant_motion"`
	Gain             float64    `json:"gain"`
	Statistics       Statistics `json:"statistics"`

	// Motion and ProcessedMotion are the smoothed per-frame series.
	Motion          []float64 `json:"motion_data"`
	ProcessedMotion []float64 `json:"processed_motion_data"`
	Spectrum        []float64 `json:"spectrum_data"`
	SpectrumMaxFreq float64   `json:"spectrum_max_freq"`

	// Heatmap is row-major, normalised to [0, 1].
	Heatmap       []float64 `json:"heatmap_data"`
	HeatmapWidth  int       `json:"heatmap_width"`
	HeatmapHeight int       `json:"heatmap_height"`

	AnalysisTime time.Duration `json:"analysis_time"`
}

// Analyze compares original with processed. Both must hold the same number
// of equally sized frames, at least two. fps <= 0 uses DefaultFrameRate.
func Analyze(original, processed frame.Sequence, fps float64) (*Report, error) {
	start := time.Now()
	if len(original) < 2 {
		return nil, errors.New("analysis needs at least two frames")
	}
	if err := original.Validate(); err != nil {
		return nil, fmt.Errorf("original: %w", err)
	}
	if err := processed.Validate(); err != nil {
		return nil, fmt.Errorf("processed: %w", err)
	}
	if len(processed) != len(original) || !processed[0].SameSize(original[0]) {
		return nil, fmt.Errorf("processed sequence (%d frames) does not match original (%d frames)", len(processed), len(original))
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}

	raw := MotionSeries(original)
	rawProcessed := MotionSeries(processed)

	mean, variance := stat.PopMeanVariance(raw, nil)
	dominant := DominantFrequency(raw, fps)
	smoothed := Smooth(raw, smoothingWindow)

	r := &Report{
		Timestamp:        start.UTC(),
		FrameRate:        fps,
		PeakFrequency:    dominant,
		AverageAmplitude: mean,
		Intensity:        ClassifyIntensity(mean),
		DominantMotion:   ClassifyPattern(raw),
		Statistics: Statistics{
			TotalFrames:       len(original),
			AvgMotion:         mean,
			MaxMotion:         floats.Max(raw),
			StdDev:            math.Sqrt(variance),
			Variance:          variance,
			DominantFrequency: dominant,
		},
		Motion:          smoothed,
		ProcessedMotion: Smooth(rawProcessed, smoothingWindow),
		SpectrumMaxFreq: fps / 2,
		HeatmapWidth:    processed[0].Width,
		HeatmapHeight:   processed[0].Height,
	}
	if mean > 0 {
		r.Gain = stat.Mean(rawProcessed, nil) / mean
	}
	r.Spectrum = Spectrum(smoothed, fps, SpectrumBins, r.SpectrumMaxFreq)
	r.Heatmap = Heatmap(processed, HeatmapMaxFrames)
	r.AnalysisTime = time.Since(start)
	return r, nil
}

// FrameMotion is the mean RGB distance between a and b over every 4th
// pixel, normalised by 255.
func FrameMotion(a, b *frame.Frame) float64 {
	var total float64
	var n int
	step := sampleStride * frame.BytesPerPixel
	for i := 0; i+2 < len(a.Pix) && i+2 < len(b.Pix); i += step {
		dr := float64(b.Pix[i]) - float64(a.Pix[i])
		dg := float64(b.Pix[i+1]) - float64(a.Pix[i+1])
		db := float64(b.Pix[i+2]) - float64(a.Pix[i+2])
		total += math.Sqrt(dr*dr + dg*dg + db*db)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n) / 255
}

// MotionSeries returns FrameMotion for every consecutive pair.
func MotionSeries(seq frame.Sequence) []float64 {
	if len(seq) < 2 {
		return nil
	}
	out := make([]float64, len(seq)-1)
	for i := 1; i < len(seq); i++ {
		out[i-1] = FrameMotion(seq[i-1], seq[i])
	}
	return out
}

// Smooth applies a centred moving average, shrinking the window at the
// edges.
func Smooth(data []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(data))
	for i := range data {
		lo, hi := max(0, i-half), min(len(data)-1, i+half)
		out[i] = stat.Mean(data[lo:hi+1], nil)
	}
	return out
}

// DominantFrequency returns the frequency in Hz of the strongest non-DC
// component of series sampled at fps, capped at the Nyquist rate. Flat or
// too-short series return 0.
func DominantFrequency(series []float64, fps float64) float64 {
	if len(series) < 4 {
		return 0
	}
	mean := stat.Mean(series, nil)
	centred := make([]float64, len(series))
	for i, v := range series {
		centred[i] = v - mean
	}

	fft := fourier.NewFFT(len(centred))
	coeff := fft.Coefficients(nil, centred)
	best, bestMag := 0, 0.0
	for k := 1; k < len(coeff); k++ {
		mag := math.Hypot(real(coeff[k]), imag(coeff[k]))
		if mag > bestMag {
			best, bestMag = k, mag
		}
	}
	if best == 0 || bestMag < 1e-9 {
		return 0
	}
	return math.Min(fft.Freq(best)*fps, fps/2)
}

// ClassifyIntensity buckets an average motion value.
func ClassifyIntensity(avg float64) Intensity {
	switch {
	case avg < 0.01:
		return IntensityVeryLow
	case avg < 0.03:
		return IntensityLow
	case avg < 0.06:
		return IntensityMedium
	case avg < 0.1:
		return IntensityHigh
	default:
		return IntensityVeryHigh
	}
}

// ClassifyPattern looks at the frame-to-frame trend of series.
func ClassifyPattern(series []float64) Pattern {
	if len(series) < 2 {
		return PatternNone
	}
	trends := make([]float64, len(series)-1)
	var inc, dec int
	for i := 1; i < len(series); i++ {
		d := series[i] - series[i-1]
		trends[i-1] = d
		if d > 0 {
			inc++
		} else if d < 0 {
			dec++
		}
	}
	switch {
	case float64(inc) > float64(dec)*1.5:
		return PatternIncreasing
	case float64(dec) > float64(inc)*1.5:
		return PatternDecreasing
	}
	if _, v := stat.PopMeanVariance(trends, nil); v > 0.01 {
		return PatternOscillatory
	}
	return PatternSteady
}

// Spectrum projects series onto bins cosines evenly spaced in
// [0, maxFreq).
func Spectrum(series []float64, fps float64, bins int, maxFreq float64) []float64 {
	if len(series) == 0 || bins <= 0 {
		return nil
	}
	out := make([]float64, bins)
	for b := range out {
		f := float64(b) / float64(bins) * maxFreq
		var sum float64
		for i, v := range series {
			sum += v * math.Cos(2*math.Pi*f*float64(i)/fps)
		}
		out[b] = math.Abs(sum) / float64(len(series))
	}
	return out
}

// Heatmap accumulates per-pixel motion over the first maxFrames frames of
// seq and normalises by the peak.
func Heatmap(seq frame.Sequence, maxFrames int) []float64 {
	if len(seq) == 0 {
		return nil
	}
	w, h := seq.Size()
	heat := make([]float64, w*h)
	for i := 1; i < min(len(seq), maxFrames); i++ {
		a, b := seq[i-1].Pix, seq[i].Pix
		for p := range heat {
			o := p * frame.BytesPerPixel
			dr := float64(b[o]) - float64(a[o])
			dg := float64(b[o+1]) - float64(a[o+1])
			db := float64(b[o+2]) - float64(a[o+2])
			heat[p] += math.Sqrt(dr*dr+dg*dg+db*db) / 255
		}
	}
	if peak := floats.Max(heat); peak > 0 {
		floats.Scale(1/peak, heat)
	}
	return heat
}
