package amplify

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/motionamp/internal/frame"
)

// Algorithm selects the kernel variant.
type Algorithm string

const (
	Eulerian   Algorithm = "eulerian"
	Lagrangian Algorithm = "lagrangian"
	Hybrid     Algorithm = "hybrid"
)

// ParseAlgorithm accepts the variant name case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case Eulerian, Lagrangian, Hybrid:
		return a, nil
	case "":
		return Eulerian, nil
	default:
		return "", &ValidationError{Field: "algorithm", Value: s, Reason: "must be one of eulerian, lagrangian, hybrid"}
	}
}

// Parameter bounds.
const (
	MinAmplification   = 1.0
	MaxAmplification   = 100.0
	MinFreq            = 0.1
	MaxFreq            = 20.0
	MinPyramidLevels   = 2
	MaxPyramidLevels   = 10
	MinSigma           = 0.1
	MaxSigma           = 5.0
	MinChromaThreshold = 0.001
	MaxChromaThreshold = 0.5
)

// Params is a validated amplification parameter set. It is passed by value
// and never mutated during a run.
type Params struct {
	Amplification   float64     `json:"amplification" msgpack:"amplification"`
	FreqLow         float64     `json:"freq_low" msgpack:"freq_low"`
	FreqHigh        float64     `json:"freq_high" msgpack:"freq_high"`
	PyramidLevels   int         `json:"pyramid_levels" msgpack:"pyramid_levels"`
	Sigma           float64     `json:"sigma" msgpack:"sigma"`
	ChromaThreshold float64     `json:"chroma_threshold" msgpack:"chroma_threshold"`
	ROI             *frame.Rect `json:"roi,omitempty" msgpack:"roi,omitempty"`
	Algorithm       Algorithm   `json:"algorithm" msgpack:"algorithm"`
}

// Defaults returns the parameter set used when a field is not supplied.
func Defaults() Params {
	return Params{
		Amplification:   15,
		FreqLow:         0.5,
		FreqHigh:        3.0,
		PyramidLevels:   6,
		Sigma:           1.5,
		ChromaThreshold: 0.05,
		Algorithm:       Eulerian,
	}
}

// ValidationError reports a parameter outside its accepted range.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks every field against its range and the band ordering.
func (p Params) Validate() error {
	checks := []struct {
		field    string
		v, lo, hi float64
	}{
		{"amplification", p.Amplification, MinAmplification, MaxAmplification},
		{"freq_low", p.FreqLow, MinFreq, MaxFreq},
		{"freq_high", p.FreqHigh, MinFreq, MaxFreq},
		{"pyramid_levels", float64(p.PyramidLevels), MinPyramidLevels, MaxPyramidLevels},
		{"sigma", p.Sigma, MinSigma, MaxSigma},
		{"chroma_threshold", p.ChromaThreshold, MinChromaThreshold, MaxChromaThreshold},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return &ValidationError{Field: c.field, Value: c.v, Reason: "must be finite"}
		}
		if c.v < c.lo || c.v > c.hi {
			return &ValidationError{Field: c.field, Value: c.v, Reason: fmt.Sprintf("must be within [%g, %g]", c.lo, c.hi)}
		}
	}
	if p.FreqLow >= p.FreqHigh {
		return &ValidationError{Field: "freq_low", Value: p.FreqLow, Reason: fmt.Sprintf("must be below freq_high %g", p.FreqHigh)}
	}
	if _, err := ParseAlgorithm(string(p.Algorithm)); err != nil {
		return err
	}
	if p.ROI != nil {
		if err := p.ROI.Validate(); err != nil {
			return &ValidationError{Field: "roi", Value: *p.ROI, Reason: err.Error()}
		}
	}
	return nil
}

// Sanitize clamps every numeric field into range, replaces non-finite
// values with defaults, and restores band ordering. Strategies call it on
// whatever they are handed so no NaN or Inf reaches the kernel.
func (p Params) Sanitize() Params {
	d := Defaults()
	p.Amplification = clampFinite(p.Amplification, d.Amplification, MinAmplification, MaxAmplification)
	p.FreqLow = clampFinite(p.FreqLow, d.FreqLow, MinFreq, MaxFreq)
	p.FreqHigh = clampFinite(p.FreqHigh, d.FreqHigh, MinFreq, MaxFreq)
	p.PyramidLevels = min(max(p.PyramidLevels, MinPyramidLevels), MaxPyramidLevels)
	p.Sigma = clampFinite(p.Sigma, d.Sigma, MinSigma, MaxSigma)
	p.ChromaThreshold = clampFinite(p.ChromaThreshold, d.ChromaThreshold, MinChromaThreshold, MaxChromaThreshold)
	if p.FreqLow >= p.FreqHigh {
		p.FreqLow, p.FreqHigh = d.FreqLow, d.FreqHigh
	}
	if a, err := ParseAlgorithm(string(p.Algorithm)); err == nil {
		p.Algorithm = a
	} else {
		p.Algorithm = Eulerian
	}
	if p.ROI != nil && p.ROI.Validate() != nil {
		p.ROI = nil
	}
	return p
}

func clampFinite(v, def, lo, hi float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return math.Max(lo, math.Min(hi, v))
}

// RawParams is a parameter object as supplied by a preset, config file or
// request. Nil fields take the default value.
type RawParams struct {
	Amplification   *float64    `json:"amplification,omitempty" yaml:"amplification,omitempty"`
	FreqLow         *float64    `json:"freq_low,omitempty" yaml:"freq_low,omitempty"`
	FreqHigh        *float64    `json:"freq_high,omitempty" yaml:"freq_high,omitempty"`
	PyramidLevels   *int        `json:"pyramid_levels,omitempty" yaml:"pyramid_levels,omitempty"`
	Sigma           *float64    `json:"sigma,omitempty" yaml:"sigma,omitempty"`
	ChromaThreshold *float64    `json:"chroma_threshold,omitempty" yaml:"chroma_threshold,omitempty"`
	ROI             *frame.Rect `json:"roi,omitempty" yaml:"roi,omitempty"`
	Algorithm       *string     `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
}

// Merge returns the defaults overlaid with every non-nil field of r.
func (r RawParams) Merge(base Params) Params {
	p := base
	if r.Amplification != nil {
		p.Amplification = *r.Amplification
	}
	if r.FreqLow != nil {
		p.FreqLow = *r.FreqLow
	}
	if r.FreqHigh != nil {
		p.FreqHigh = *r.FreqHigh
	}
	if r.PyramidLevels != nil {
		p.PyramidLevels = *r.PyramidLevels
	}
	if r.Sigma != nil {
		p.Sigma = *r.Sigma
	}
	if r.ChromaThreshold != nil {
		p.ChromaThreshold = *r.ChromaThreshold
	}
	if r.ROI != nil {
		roi := *r.ROI
		p.ROI = &roi
	}
	if r.Algorithm != nil {
		p.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(*r.Algorithm)))
	}
	return p
}

// Resolve fills defaults and validates. The returned error is a
// *ValidationError.
func (r RawParams) Resolve() (Params, error) {
	return r.ResolveWith(Defaults())
}

// ResolveWith is Resolve with caller-supplied defaults, e.g. from a config
// file.
func (r RawParams) ResolveWith(base Params) (Params, error) {
	p := r.Merge(base)
	if p.Algorithm == "" {
		p.Algorithm = Eulerian
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// Raw converts a Params back into a RawParams with every field set.
func (p Params) Raw() RawParams {
	algo := string(p.Algorithm)
	r := RawParams{
		Amplification:   &p.Amplification,
		FreqLow:         &p.FreqLow,
		FreqHigh:        &p.FreqHigh,
		PyramidLevels:   &p.PyramidLevels,
		Sigma:           &p.Sigma,
		ChromaThreshold: &p.ChromaThreshold,
		Algorithm:       &algo,
	}
	if p.ROI != nil {
		roi := *p.ROI
		r.ROI = &roi
	}
	return r
}

// Float is a helper for building RawParams literals.
func Float(v float64) *float64 { return &v }

// Int is a helper for building RawParams literals.
func Int(v int) *int { return &v }

// String is a helper for building RawParams literals.
func String(v string) *string { return &v }
