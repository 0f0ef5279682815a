// Package gpu describes the small slice of a GPU API the motion pipeline
// needs: programs, a full-screen quad, two input textures, uniforms, a draw
// into an offscreen target and a synchronous read-back.
//
// Backends live in subpackages. soft runs the shader programs' Go
// emulations on the CPU and is always available; glbackend (build tag gl)
// drives a real OpenGL 3.2 core context.
package gpu

import (
	"errors"

	"github.com/banshee-data/motionamp/internal/frame"
)

var (
	// ErrContextLost is returned by every device call after the context has
	// been invalidated. Objects created before the loss are gone.
	ErrContextLost = errors.New("gpu context lost")

	// ErrUnsupported means no usable context could be created.
	ErrUnsupported = errors.New("gpu unsupported")

	// ErrTextureTooLarge is returned when a frame exceeds MaxTextureSize.
	ErrTextureTooLarge = errors.New("frame exceeds max texture size")
)

// Handle names a device object. The zero Handle is never valid.
type Handle uint32

// Info describes the device.
type Info struct {
	Backend        string `json:"backend"`
	Vendor         string `json:"vendor,omitempty"`
	Renderer       string `json:"renderer,omitempty"`
	Version        string `json:"version,omitempty"`
	MaxTextureSize int    `json:"max_texture_size"`
}

// Device is a GPU context. Calls are not safe for concurrent use; the
// owner serialises them.
type Device interface {
	Info() Info

	// CompileProgram compiles and links src. Compile or link failures are
	// returned with the driver's info log.
	CompileProgram(src ShaderSource) (Handle, error)

	// CreateQuad allocates the full-screen quad geometry.
	CreateQuad() (Handle, error)

	// CreateTexture allocates an empty RGBA8 texture with clamp-to-edge
	// wrapping and linear filtering.
	CreateTexture() (Handle, error)

	// UploadTexture replaces the contents of tex with f.
	UploadTexture(tex Handle, f *frame.Frame) error

	UseProgram(prog Handle) error
	SetUniform1f(name string, v float32) error
	SetUniform2f(name string, x, y float32) error
	SetUniform4f(name string, x, y, z, w float32) error

	// BindSampler binds tex to the texture unit read by sampler uniform
	// name in the current program.
	BindSampler(name string, unit int, tex Handle) error

	// Viewport sizes the offscreen render target.
	Viewport(width, height int) error

	// Draw renders quad with the current program into the render target.
	Draw(quad Handle) error

	// ReadPixels copies the render target into dst, which must match the
	// viewport size.
	ReadPixels(dst *frame.Frame) error

	// Delete releases a program, buffer or texture.
	Delete(h Handle) error

	// ContextLost reports whether the context is currently invalid.
	ContextLost() bool

	// Generation counts context losses. Handles created under an earlier
	// generation are gone even if the context has since been restored.
	Generation() uint64

	// SetContextHandlers registers callbacks for asynchronous context loss
	// and restoration. Either may be nil.
	SetContextHandlers(lost, restored func())

	// Close destroys the context.
	Close() error
}

// ShaderSource is a vertex/fragment program pair. Fragment is evaluated by
// hardware backends; Emulate is its Go equivalent for the soft backend.
type ShaderSource struct {
	Name     string
	Vertex   string
	Fragment string
	Emulate  Fragment
}

// Fragment computes one output pixel as normalised RGBA.
type Fragment func(env *Env, x, y int) [4]float32

// Env is what an emulated fragment program can see: the render target size,
// the current uniform values and the bound samplers.
type Env struct {
	Width, Height int
	Uniforms      map[string][]float32
	Samplers      map[string]*frame.Frame
}

// Uniform returns component i of uniform name, or 0 when unset.
func (e *Env) Uniform(name string, i int) float32 {
	v := e.Uniforms[name]
	if i >= len(v) {
		return 0
	}
	return v[i]
}

// Texel fetches the texel at (x, y) from sampler name with clamp-to-edge
// addressing. Texel centres are sampled exactly, so linear filtering
// reduces to a fetch.
func (e *Env) Texel(name string, x, y int) [4]float32 {
	t := e.Samplers[name]
	if t == nil {
		return [4]float32{}
	}
	x = min(max(x, 0), t.Width-1)
	y = min(max(y, 0), t.Height-1)
	i := t.Offset(x, y)
	return [4]float32{
		float32(t.Pix[i]) / 255,
		float32(t.Pix[i+1]) / 255,
		float32(t.Pix[i+2]) / 255,
		float32(t.Pix[i+3]) / 255,
	}
}

// ToByte converts a normalised channel to a byte the way a UNSIGNED_BYTE
// read-back does.
func ToByte(v float32) byte {
	if v <= 0 || v != v {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}
