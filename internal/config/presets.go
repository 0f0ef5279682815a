package config

import (
	"fmt"
	"sort"

	"github.com/banshee-data/motionamp/internal/amplify"
)

// Preset is a named parameter set tuned for one kind of subject.
type Preset struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Params      Values `json:"params"`
}

// Values are the raw preset numbers. They may fall outside the accepted
// parameter ranges and are clamped by Apply.
type Values struct {
	Amplification   float64 `json:"amplification"`
	FreqLow         float64 `json:"freq_low"`
	FreqHigh        float64 `json:"freq_high"`
	PyramidLevels   int     `json:"pyramid_levels"`
	Sigma           float64 `json:"sigma"`
	ChromaThreshold float64 `json:"chroma_threshold"`
}

var presets = map[string]Preset{
	"heartbeat": {
		Name:        "Heartbeat Detection",
		Description: "Optimized for detecting cardiovascular pulse in facial videos",
		Params:      Values{25, 0.8, 3.5, 6, 1.8, 0.03},
	},
	"breathing": {
		Name:        "Breathing Analysis",
		Description: "Reveals respiratory motion patterns in chest area",
		Params:      Values{18, 0.1, 1.2, 7, 2.2, 0.02},
	},
	"vibration": {
		Name:        "Mechanical Vibration",
		Description: "Amplifies high-frequency mechanical motion and vibrations",
		Params:      Values{35, 5.0, 15.0, 4, 0.8, 0.08},
	},
	"structural": {
		Name:        "Structural Motion",
		Description: "Detects building sway and structural vibrations",
		Params:      Values{22, 0.1, 2.5, 8, 3.0, 0.015},
	},
	"micro": {
		Name:        "Micro-expressions",
		Description: "Reveals subtle facial expressions and micro-movements",
		Params:      Values{40, 1.0, 8.0, 5, 1.2, 0.12},
	},
	"plant": {
		Name:        "Plant Movement",
		Description: "Captures slow plant movement and growth patterns",
		Params:      Values{15, 0.05, 0.8, 7, 2.5, 0.01},
	},
	"thermal": {
		Name:        "Thermal Effects",
		Description: "Visualizes thermal convection patterns and heat effects",
		Params:      Values{30, 0.1, 1.0, 6, 2.0, 0.04},
	},
	"extreme": {
		Name:        "Extreme Amplification",
		Description: "Maximum amplification for barely visible motion - use with caution",
		Params:      Values{75, 0.5, 10.0, 5, 1.5, 0.15},
	},
}

// Presets returns every built-in preset sorted by key.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for k, p := range presets {
		p.Key = k
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// LookupPreset returns the preset with the given key.
func LookupPreset(key string) (Preset, error) {
	p, ok := presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q", key)
	}
	p.Key = key
	return p, nil
}

// Apply overlays the preset numbers onto raw, clamped into the accepted
// ranges. Fields already set in raw win, so explicit flags override a
// preset. ROI and algorithm are left untouched.
func (p Preset) Apply(raw amplify.RawParams) amplify.RawParams {
	clamped := amplify.Params{
		Amplification:   p.Params.Amplification,
		FreqLow:         p.Params.FreqLow,
		FreqHigh:        p.Params.FreqHigh,
		PyramidLevels:   p.Params.PyramidLevels,
		Sigma:           p.Params.Sigma,
		ChromaThreshold: p.Params.ChromaThreshold,
		Algorithm:       amplify.Eulerian,
	}.Sanitize()

	if raw.Amplification == nil {
		raw.Amplification = amplify.Float(clamped.Amplification)
	}
	if raw.FreqLow == nil {
		raw.FreqLow = amplify.Float(clamped.FreqLow)
	}
	if raw.FreqHigh == nil {
		raw.FreqHigh = amplify.Float(clamped.FreqHigh)
	}
	if raw.PyramidLevels == nil {
		raw.PyramidLevels = amplify.Int(clamped.PyramidLevels)
	}
	if raw.Sigma == nil {
		raw.Sigma = amplify.Float(clamped.Sigma)
	}
	if raw.ChromaThreshold == nil {
		raw.ChromaThreshold = amplify.Float(clamped.ChromaThreshold)
	}
	return raw
}
