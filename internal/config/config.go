// Package config loads the motion amplifier's settings file. Every field is
// optional; the GetX accessors fall back to the built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/motionamp/internal/amplify"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Limits caps the input a run accepts.
type Limits struct {
	MaxWidth           *int `json:"max_width,omitempty" yaml:"max_width,omitempty"`
	MaxHeight          *int `json:"max_height,omitempty" yaml:"max_height,omitempty"`
	MaxDurationSeconds *int `json:"max_duration_seconds,omitempty" yaml:"max_duration_seconds,omitempty"`
}

// Config is the root configuration.
type Config struct {
	// Defaults are the parameter values used when a run does not supply
	// one.
	Defaults amplify.RawParams `json:"defaults" yaml:"defaults"`

	GPUEnabled     *bool   `json:"gpu_enabled,omitempty" yaml:"gpu_enabled,omitempty"`
	WorkersEnabled *bool   `json:"workers_enabled,omitempty" yaml:"workers_enabled,omitempty"`
	WorkerTimeout  *string `json:"worker_timeout,omitempty" yaml:"worker_timeout,omitempty"` // duration string like "5m"

	CPUYieldInterval    *int `json:"cpu_yield_interval,omitempty" yaml:"cpu_yield_interval,omitempty"`
	GPUYieldInterval    *int `json:"gpu_yield_interval,omitempty" yaml:"gpu_yield_interval,omitempty"`
	WorkerYieldInterval *int `json:"worker_yield_interval,omitempty" yaml:"worker_yield_interval,omitempty"`

	FrameRate *float64 `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`

	LimitsWithGPU    Limits `json:"limits_with_gpu" yaml:"limits_with_gpu"`
	LimitsWithoutGPU Limits `json:"limits_without_gpu" yaml:"limits_without_gpu"`

	DBPath     *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Listen     *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty" yaml:"grpc_listen,omitempty"`
}

func ptrBool(v bool) *bool       { return &v }
func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Default returns a Config with every field set to its default value.
func Default() *Config {
	d := amplify.Defaults()
	return &Config{
		Defaults:            d.Raw(),
		GPUEnabled:          ptrBool(true),
		WorkersEnabled:      ptrBool(true),
		WorkerTimeout:       ptrString("5m"),
		CPUYieldInterval:    ptrInt(5),
		GPUYieldInterval:    ptrInt(10),
		WorkerYieldInterval: ptrInt(5),
		FrameRate:           amplify.Float(30),
		LimitsWithGPU:       Limits{ptrInt(1920), ptrInt(1080), ptrInt(120)},
		LimitsWithoutGPU:    Limits{ptrInt(1280), ptrInt(720), ptrInt(30)},
		DBPath:              ptrString("motionamp.db"),
		Listen:              ptrString(""),
		GRPCListen:          ptrString(""),
	}
}

// Load reads a .json, .yaml or .yml file. Fields omitted from the file keep
// their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := c.Defaults.Resolve(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	if c.WorkerTimeout != nil && *c.WorkerTimeout != "" {
		d, err := time.ParseDuration(*c.WorkerTimeout)
		if err != nil {
			return fmt.Errorf("invalid worker_timeout '%s': %w", *c.WorkerTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("worker_timeout must be positive, got %s", d)
		}
	}

	for name, v := range map[string]*int{
		"cpu_yield_interval":    c.CPUYieldInterval,
		"gpu_yield_interval":    c.GPUYieldInterval,
		"worker_yield_interval": c.WorkerYieldInterval,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	if c.FrameRate != nil && (*c.FrameRate <= 0 || *c.FrameRate > 240) {
		return fmt.Errorf("frame_rate must be within (0, 240], got %g", *c.FrameRate)
	}

	for name, l := range map[string]Limits{"limits_with_gpu": c.LimitsWithGPU, "limits_without_gpu": c.LimitsWithoutGPU} {
		for field, v := range map[string]*int{"max_width": l.MaxWidth, "max_height": l.MaxHeight, "max_duration_seconds": l.MaxDurationSeconds} {
			if v != nil && *v < 1 {
				return fmt.Errorf("%s.%s must be positive, got %d", name, field, *v)
			}
		}
	}
	return nil
}

// GetDefaults returns the resolved default parameter set. An invalid
// defaults block falls back to the built-in values.
func (c *Config) GetDefaults() amplify.Params {
	p, err := c.Defaults.Resolve()
	if err != nil {
		return amplify.Defaults()
	}
	return p
}

// GetGPUEnabled returns the gpu_enabled value or the default.
func (c *Config) GetGPUEnabled() bool {
	if c.GPUEnabled == nil {
		return true
	}
	return *c.GPUEnabled
}

// GetWorkersEnabled returns the workers_enabled value or the default.
func (c *Config) GetWorkersEnabled() bool {
	if c.WorkersEnabled == nil {
		return true
	}
	return *c.WorkersEnabled
}

// GetWorkerTimeout parses and returns the WorkerTimeout as a time.Duration.
func (c *Config) GetWorkerTimeout() time.Duration {
	if c.WorkerTimeout == nil || *c.WorkerTimeout == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(*c.WorkerTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

func (c *Config) GetCPUYieldInterval() int    { return intOr(c.CPUYieldInterval, 5) }
func (c *Config) GetGPUYieldInterval() int    { return intOr(c.GPUYieldInterval, 10) }
func (c *Config) GetWorkerYieldInterval() int { return intOr(c.WorkerYieldInterval, 5) }

// GetFrameRate returns the frame rate assumed for image sequences.
func (c *Config) GetFrameRate() float64 {
	if c.FrameRate == nil {
		return 30
	}
	return *c.FrameRate
}

// Caps is a resolved set of input limits.
type Caps struct {
	MaxWidth    int           `json:"max_width"`
	MaxHeight   int           `json:"max_height"`
	MaxDuration time.Duration `json:"max_duration"`
}

// MaxFrames converts the duration cap into a frame count at fps.
func (c Caps) MaxFrames(fps float64) int {
	return int(c.MaxDuration.Seconds() * fps)
}

// GetCaps returns the input limits for a machine with or without a GPU.
func (c *Config) GetCaps(gpu bool) Caps {
	if gpu {
		l := c.LimitsWithGPU
		return Caps{
			MaxWidth:    intOr(l.MaxWidth, 1920),
			MaxHeight:   intOr(l.MaxHeight, 1080),
			MaxDuration: time.Duration(intOr(l.MaxDurationSeconds, 120)) * time.Second,
		}
	}
	l := c.LimitsWithoutGPU
	return Caps{
		MaxWidth:    intOr(l.MaxWidth, 1280),
		MaxHeight:   intOr(l.MaxHeight, 720),
		MaxDuration: time.Duration(intOr(l.MaxDurationSeconds, 30)) * time.Second,
	}
}

// GetDBPath returns the run history database path.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, "motionamp.db") }

// GetListen returns the HTTP listen address. Empty disables the server.
func (c *Config) GetListen() string { return stringOr(c.Listen, "") }

// GetGRPCListen returns the gRPC listen address. Empty disables the server.
func (c *Config) GetGRPCListen() string { return stringOr(c.GRPCListen, "") }

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
