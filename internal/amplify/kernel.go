package amplify

import (
	"fmt"
	"math"

	"github.com/banshee-data/motionamp/internal/frame"
)

// Lagrangian smoothing and hybrid blend factors.
const (
	smoothingFactor = 0.1
	hybridBlend     = 0.7
)

// FrequencyFilter is the band-pass gate applied to a motion magnitude. It
// is 0 outside [lo, hi] and ramps linearly to 1 across the inner 10% of
// each bound.
func FrequencyFilter(m, lo, hi float64) float64 {
	if m < lo || m > hi {
		return 0
	}
	low := math.Min(1, (m-lo)/(lo*0.1))
	high := math.Min(1, (hi-m)/(hi*0.1))
	return low * high
}

// Kernel is the per-pixel amplification function bound to one parameter
// set. The Gaussian table is built once and reused for every frame.
type Kernel struct {
	params    Params
	gain      float64
	lo, hi    float64
	radius    int
	weights   []float64
	weightSum float64
}

// NewKernel sanitises p and precomputes the spatial weights.
func NewKernel(p Params) *Kernel {
	p = p.Sanitize()
	k := &Kernel{
		params: p,
		gain:   p.Amplification / 10,
		lo:     p.FreqLow / 10,
		hi:     p.FreqHigh / 10,
		radius: max(1, int(math.Floor(p.Sigma*2))),
	}
	side := 2*k.radius + 1
	k.weights = make([]float64, 0, side*side)
	for dy := -k.radius; dy <= k.radius; dy++ {
		for dx := -k.radius; dx <= k.radius; dx++ {
			d2 := float64(dx*dx + dy*dy)
			w := math.Exp(-d2 / (2 * p.Sigma * p.Sigma))
			k.weights = append(k.weights, w)
			k.weightSum += w
		}
	}
	return k
}

// Params returns the sanitised parameter set the kernel runs with.
func (k *Kernel) Params() Params { return k.params }

// SpatialWeight is the normalised Gaussian-weighted mean luminance around
// (x, y), clamp-to-edge, capped at 1.
func (k *Kernel) SpatialWeight(f *frame.Frame, x, y int) float64 {
	if k.weightSum <= 0 {
		return 1
	}
	sum := 0.0
	i := 0
	for dy := -k.radius; dy <= k.radius; dy++ {
		ny := min(max(y+dy, 0), f.Height-1)
		for dx := -k.radius; dx <= k.radius; dx++ {
			nx := min(max(x+dx, 0), f.Width-1)
			o := f.Offset(nx, ny)
			gray := (float64(f.Pix[o]) + float64(f.Pix[o+1]) + float64(f.Pix[o+2])) / 3
			sum += gray * k.weights[i]
			i++
		}
	}
	return math.Min(1, sum/k.weightSum/255)
}

// Apply runs the configured variant on one frame pair and returns a new
// frame. Neither input is modified.
func (k *Kernel) Apply(cur, prev *frame.Frame) (*frame.Frame, error) {
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("current frame: %w", err)
	}
	if err := prev.Validate(); err != nil {
		return nil, fmt.Errorf("previous frame: %w", err)
	}
	if !cur.SameSize(prev) {
		return nil, fmt.Errorf("frame size mismatch: %dx%d vs %dx%d", cur.Width, cur.Height, prev.Width, prev.Height)
	}

	region := k.region(cur)
	switch k.params.Algorithm {
	case Lagrangian:
		out := k.eulerian(cur, prev, region)
		smooth(out, region)
		return out, nil
	case Hybrid:
		eu := k.eulerian(cur, prev, region)
		lg := eu.Clone()
		smooth(lg, region)
		blend(eu, lg, region)
		return eu, nil
	default:
		return k.eulerian(cur, prev, region), nil
	}
}

// Process is a convenience wrapper around NewKernel(p).Apply.
func Process(cur, prev *frame.Frame, p Params) (*frame.Frame, error) {
	return NewKernel(p).Apply(cur, prev)
}

func (k *Kernel) region(f *frame.Frame) frame.Rect {
	if k.params.ROI == nil {
		return frame.Full(f.Width, f.Height)
	}
	return k.params.ROI.Clip(f.Width, f.Height)
}

func (k *Kernel) eulerian(cur, prev *frame.Frame, region frame.Rect) *frame.Frame {
	out := cur.Clone()
	threshold := k.params.ChromaThreshold
	for y := region.Y; y < region.Y+region.Height; y++ {
		for x := region.X; x < region.X+region.Width; x++ {
			i := cur.Offset(x, y)
			dr := float64(cur.Pix[i]) - float64(prev.Pix[i])
			dg := float64(cur.Pix[i+1]) - float64(prev.Pix[i+1])
			db := float64(cur.Pix[i+2]) - float64(prev.Pix[i+2])

			mag := math.Sqrt(dr*dr+dg*dg+db*db) / 255
			if mag <= threshold {
				continue
			}
			fw := FrequencyFilter(mag, k.lo, k.hi)
			if fw == 0 {
				continue
			}
			w := k.gain * fw * k.SpatialWeight(cur, x, y)
			out.Pix[i] = toByte(float64(cur.Pix[i]) + dr*w)
			out.Pix[i+1] = toByte(float64(cur.Pix[i+1]) + dg*w)
			out.Pix[i+2] = toByte(float64(cur.Pix[i+2]) + db*w)
		}
	}
	return out
}

// smooth applies the 4-neighbour pass to interior pixels of region. Reads
// come from a snapshot so the result does not depend on scan order.
func smooth(f *frame.Frame, region frame.Rect) {
	src := f.Clone()
	x0, y0 := max(region.X, 1), max(region.Y, 1)
	x1, y1 := min(region.X+region.Width, f.Width-1), min(region.Y+region.Height, f.Height-1)
	row := f.Width * frame.BytesPerPixel
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := f.Offset(x, y)
			for c := 0; c < 3; c++ {
				center := float64(src.Pix[i+c])
				sum := center*4 +
					float64(src.Pix[i-frame.BytesPerPixel+c]) +
					float64(src.Pix[i+frame.BytesPerPixel+c]) +
					float64(src.Pix[i-row+c]) +
					float64(src.Pix[i+row+c])
				f.Pix[i+c] = toByte(center*(1-smoothingFactor) + sum/8*smoothingFactor)
			}
		}
	}
}

func blend(dst, other *frame.Frame, region frame.Rect) {
	for y := region.Y; y < region.Y+region.Height; y++ {
		for x := region.X; x < region.X+region.Width; x++ {
			i := dst.Offset(x, y)
			for c := 0; c < 3; c++ {
				dst.Pix[i+c] = toByte(float64(dst.Pix[i+c])*hybridBlend + float64(other.Pix[i+c])*(1-hybridBlend))
			}
		}
	}
}

// toByte rounds half up and clamps into a channel byte.
func toByte(v float64) byte {
	v = math.Floor(v + 0.5)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}

// QuickAmplify is the one-shot approximation used when a realtime GPU
// round-trip fails: the kernel's gain applied to the raw difference inside
// the active region, with no threshold, frequency or spatial weighting.
func QuickAmplify(cur, prev *frame.Frame, p Params) (*frame.Frame, error) {
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("current frame: %w", err)
	}
	if err := prev.Validate(); err != nil {
		return nil, fmt.Errorf("previous frame: %w", err)
	}
	if !cur.SameSize(prev) {
		return nil, fmt.Errorf("frame size mismatch: %dx%d vs %dx%d", cur.Width, cur.Height, prev.Width, prev.Height)
	}
	k := &Kernel{params: p.Sanitize()}
	gain := k.params.Amplification / 10
	region := k.region(cur)
	out := cur.Clone()
	for y := region.Y; y < region.Y+region.Height; y++ {
		for x := region.X; x < region.X+region.Width; x++ {
			i := cur.Offset(x, y)
			for c := 0; c < 3; c++ {
				d := float64(cur.Pix[i+c]) - float64(prev.Pix[i+c])
				out.Pix[i+c] = toByte(float64(cur.Pix[i+c]) + d*gain)
			}
		}
	}
	return out, nil
}
