package engine

import (
	"runtime"

	"github.com/banshee-data/motionamp/internal/gpu"
)

// Capabilities is computed once at startup and passed to the engine.
type Capabilities struct {
	GPU     bool      `json:"gpu"`
	GPUInfo *gpu.Info `json:"gpu_info,omitempty"`
	Workers bool      `json:"workers"`
	CPUs    int       `json:"cpus"`
}

// DetectCapabilities probes the environment. dev may be nil when no GPU
// backend could be created. Workers are offered when more than one OS
// thread can run Go code.
func DetectCapabilities(dev gpu.Device) Capabilities {
	c := Capabilities{
		CPUs:    runtime.GOMAXPROCS(0),
		Workers: runtime.GOMAXPROCS(0) > 1,
	}
	if dev != nil && !dev.ContextLost() {
		info := dev.Info()
		c.GPU = info.MaxTextureSize > 0
		c.GPUInfo = &info
	}
	return c
}
